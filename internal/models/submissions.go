package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/LingByte/LingReach/pkg/constants"
	"gorm.io/gorm"
)

// FormAnswer 单个问卷答案
type FormAnswer struct {
	Slot    string `json:"slot"`              // 问题标识
	Value   string `json:"value,omitempty"`   // 选项值
	Display string `json:"display,omitempty"` // 展示文案
	Status  string `json:"status"`            // filled / not_provided
}

// FormAnswers 问卷答案列表
type FormAnswers []FormAnswer

// Value 实现 driver.Valuer 接口
func (fa FormAnswers) Value() (driver.Value, error) {
	if len(fa) == 0 {
		return nil, nil
	}
	return json.Marshal(fa)
}

// Scan 实现 sql.Scanner 接口
func (fa *FormAnswers) Scan(value interface{}) error {
	if value == nil {
		*fa = make(FormAnswers, 0)
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		*fa = make(FormAnswers, 0)
		return nil
	}
	if len(bytes) == 0 {
		*fa = make(FormAnswers, 0)
		return nil
	}
	return json.Unmarshal(bytes, fa)
}

// Submission 已签署提交的问卷
type Submission struct {
	ID              uint        `json:"id" gorm:"primaryKey"`
	CreatedAt       time.Time   `json:"createdAt" gorm:"autoCreateTime"`
	SessionID       string      `json:"sessionId" gorm:"type:varchar(64);uniqueIndex;not null"` // 会话ID
	FirstName       string      `json:"firstName" gorm:"size:64"`                               // 名
	PhoneNumber     string      `json:"phoneNumber" gorm:"size:20;index"`                       // 电话号码
	Language        string      `json:"language" gorm:"size:8"`                                 // 语言
	OptedIn         bool        `json:"optedIn"`                                                // 是否同意短信
	Answers         FormAnswers `json:"answers" gorm:"type:json"`                               // 问卷答案
	Signature       []byte      `json:"-"`                                                      // 签名图片
	SignatureType   string      `json:"signatureType" gorm:"size:32"`                           // 签名 MIME 类型
	SignatureSHA256 string      `json:"signatureSha256" gorm:"size:64"`                         // 签名摘要
	SubmittedAt     time.Time   `json:"submittedAt"`                                            // 提交时间
}

// TableName 指定表名
func (Submission) TableName() string {
	return constants.TABLE_SUBMISSIONS
}

// CreateSubmission 保存提交
func CreateSubmission(db *gorm.DB, submission *Submission) error {
	return db.Create(submission).Error
}

// GetSubmissionBySessionID 根据会话ID获取提交
func GetSubmissionBySessionID(db *gorm.DB, sessionID string) (*Submission, error) {
	var submission Submission
	err := db.Where("session_id = ?", sessionID).First(&submission).Error
	if err != nil {
		return nil, err
	}
	return &submission, nil
}

// AllModels 需要迁移的全部实体
func AllModels() []any {
	return []any{&Subject{}, &CallRecord{}, &TranscriptTurn{}, &Submission{}}
}
