package models

import (
	"errors"
	"time"

	"github.com/LingByte/LingReach/pkg/constants"
	"gorm.io/gorm"
)

// Subject 外呼对象及其身份信息
type Subject struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	CreatedAt   time.Time  `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `json:"updatedAt" gorm:"autoUpdateTime"`
	DeletedAt   *time.Time `json:"-" gorm:"index"`
	FirstName   string     `json:"firstName" gorm:"size:64;not null"`               // 名
	LastName    string     `json:"lastName,omitempty" gorm:"size:64"`               // 姓
	PhoneNumber string     `json:"phoneNumber" gorm:"size:20;uniqueIndex;not null"` // 电话号码（E.164）
	Language    string     `json:"language" gorm:"size:8;default:'en'"`             // 首选语言
	DOB         string     `json:"-" gorm:"column:dob;size:10"`                     // 出生日期 YYYY-MM-DD
	ZIP         string     `json:"-" gorm:"column:zip;size:5"`                      // 邮编
	SSN4        string     `json:"-" gorm:"column:ssn4;size:4"`                     // 社保号后四位
}

// TableName 指定表名
func (Subject) TableName() string {
	return constants.TABLE_SUBJECTS
}

// CreateSubject 创建外呼对象
func CreateSubject(db *gorm.DB, subject *Subject) error {
	return db.Create(subject).Error
}

// GetSubjectByPhone 根据电话号码获取外呼对象
func GetSubjectByPhone(db *gorm.DB, phone string) (*Subject, error) {
	var subject Subject
	err := db.Where("phone_number = ?", phone).First(&subject).Error
	if err != nil {
		return nil, err
	}
	return &subject, nil
}

// UpsertSubject 按电话号码插入或更新
func UpsertSubject(db *gorm.DB, subject *Subject) error {
	existing, err := GetSubjectByPhone(db, subject.PhoneNumber)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CreateSubject(db, subject)
		}
		return err
	}
	subject.ID = existing.ID
	subject.CreatedAt = existing.CreatedAt
	return db.Save(subject).Error
}

// ListSubjects 分页获取外呼对象
func ListSubjects(db *gorm.DB, offset, limit int) ([]Subject, error) {
	var subjects []Subject
	query := db.Order("id ASC").Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&subjects).Error
	return subjects, err
}
