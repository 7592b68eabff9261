package bootstrap

import (
	"fmt"
	"os"

	"github.com/LingByte/LingReach/internal/models"
	"github.com/LingByte/LingReach/pkg/constants"
	"github.com/LingByte/LingReach/pkg/logger"
	"github.com/LingByte/LingReach/pkg/utils"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

type SeedService struct {
	db *gorm.DB
}

func (s *SeedService) SeedAll() error {
	if err := s.seedSubjects(defaultSubjects()); err != nil {
		return err
	}
	if path := utils.GetEnv("SUBJECTS_SEED_FILE"); path != "" {
		subjects, err := loadSubjects(path)
		if err != nil {
			return err
		}
		if err := s.seedSubjects(subjects); err != nil {
			return err
		}
	}
	return nil
}

// defaultSubjects 演示用外呼对象
func defaultSubjects() []models.Subject {
	return []models.Subject{
		{FirstName: "Ana", LastName: "García", PhoneNumber: "+15550001111", Language: constants.LANG_ES,
			DOB: "1980-03-15", ZIP: "90210", SSN4: "1234"},
		{FirstName: "John", LastName: "Miller", PhoneNumber: "+15550002222", Language: constants.LANG_EN,
			DOB: "1965-11-02", ZIP: "10001", SSN4: "9876"},
	}
}

type seedSubject struct {
	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`
	Phone     string `yaml:"phone_number"`
	Language  string `yaml:"language"`
	DOB       string `yaml:"dob"`
	ZIP       string `yaml:"zip"`
	SSN4      string `yaml:"ssn4"`
}

// loadSubjects 从 YAML 文件读取外呼对象
func loadSubjects(path string) ([]models.Subject, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subjects seed: %w", err)
	}
	var raw []seedSubject
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse subjects seed: %w", err)
	}
	out := make([]models.Subject, 0, len(raw))
	for _, r := range raw {
		lang := r.Language
		if lang == "" {
			lang = constants.LANG_EN
		}
		out = append(out, models.Subject{
			FirstName: r.FirstName, LastName: r.LastName, PhoneNumber: r.Phone, Language: lang,
			DOB: r.DOB, ZIP: r.ZIP, SSN4: r.SSN4,
		})
	}
	return out, nil
}

func (s *SeedService) seedSubjects(subjects []models.Subject) error {
	for i := range subjects {
		if subjects[i].PhoneNumber == "" {
			logger.Warn("skip seed subject without phone number", zap.String("first_name", subjects[i].FirstName))
			continue
		}
		if err := models.UpsertSubject(s.db, &subjects[i]); err != nil {
			return fmt.Errorf("failed to seed subject %s: %w", subjects[i].PhoneNumber, err)
		}
	}
	logger.Info("subjects seeded", zap.Int("count", len(subjects)))
	return nil
}
