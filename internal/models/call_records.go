package models

import (
	"time"

	"github.com/LingByte/LingReach/pkg/constants"
	"gorm.io/gorm"
)

// CallRecord 外呼通话记录表
type CallRecord struct {
	ID            uint       `json:"id" gorm:"primaryKey"`
	CreatedAt     time.Time  `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt     time.Time  `json:"updatedAt" gorm:"autoUpdateTime"`
	DeletedAt     *time.Time `json:"-" gorm:"index"`
	SessionID     string     `json:"sessionId" gorm:"type:varchar(64);uniqueIndex;not null"` // 会话ID
	CallSID       string     `json:"callSid,omitempty" gorm:"size:64;index"`                 // 运营商通话ID
	PhoneNumber   string     `json:"phoneNumber" gorm:"size:20;index"`                       // 被叫号码
	Language      string     `json:"language" gorm:"size:8"`                                 // 通话语言
	Phase         string     `json:"phase" gorm:"size:32;index"`                             // 最终阶段
	EndReason     string     `json:"endReason,omitempty" gorm:"size:64"`                     // 结束原因
	CarrierStatus string     `json:"carrierStatus,omitempty" gorm:"size:20"`                 // 运营商状态
	Authenticated bool       `json:"authenticated"`                                          // 身份验证是否通过
	OptedIn       bool       `json:"optedIn"`                                                // 是否同意短信
	StartTime     time.Time  `json:"startTime"`                                              // 开始时间
	AnswerTime    *time.Time `json:"answerTime,omitempty"`                                   // 接通时间
	EndTime       *time.Time `json:"endTime,omitempty"`                                      // 结束时间
	Duration      int        `json:"duration" gorm:"default:0"`                              // 通话时长（秒）
	ErrorMessage  string     `json:"errorMessage,omitempty" gorm:"size:500"`                 // 错误消息
}

// TableName get tables
func (CallRecord) TableName() string {
	return constants.TABLE_CALL_RECORDS
}

// CreateCallRecord 创建通话记录
func CreateCallRecord(db *gorm.DB, record *CallRecord) error {
	return db.Create(record).Error
}

// GetCallRecordBySessionID 根据会话ID获取通话记录
func GetCallRecordBySessionID(db *gorm.DB, sessionID string) (*CallRecord, error) {
	var record CallRecord
	err := db.Where("session_id = ?", sessionID).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetCallRecordByCallSID 根据运营商通话ID获取通话记录
func GetCallRecordByCallSID(db *gorm.DB, callSID string) (*CallRecord, error) {
	var record CallRecord
	err := db.Where("call_sid = ?", callSID).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// UpdateCallRecord 更新通话记录
func UpdateCallRecord(db *gorm.DB, record *CallRecord) error {
	return db.Save(record).Error
}

// GetCallRecordsByPhase 根据阶段获取通话记录列表
func GetCallRecordsByPhase(db *gorm.DB, phase string, limit int) ([]CallRecord, error) {
	var records []CallRecord
	query := db.Where("phase = ?", phase).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&records).Error
	return records, err
}

// MarkAnswered 记录接通时间
func (r *CallRecord) MarkAnswered(at time.Time) {
	if r.AnswerTime == nil {
		r.AnswerTime = &at
	}
}

// Finish 记录结束阶段并计算时长
func (r *CallRecord) Finish(phase, reason string, at time.Time) {
	r.Phase = phase
	r.EndReason = reason
	r.EndTime = &at
	from := r.StartTime
	if r.AnswerTime != nil {
		from = *r.AnswerTime
	}
	if d := at.Sub(from); d > 0 {
		r.Duration = int(d.Seconds())
	}
}
