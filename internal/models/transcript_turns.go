package models

import (
	"time"

	"github.com/LingByte/LingReach/pkg/constants"
	"gorm.io/gorm"
)

// Speaker 说话方
type Speaker string

const (
	SpeakerSubject Speaker = "subject" // 被叫用户
	SpeakerSystem  Speaker = "system"  // 系统提示
)

// TranscriptTurn 通话转录记录表，仅用于审计
type TranscriptTurn struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	CreatedAt  time.Time `json:"createdAt" gorm:"autoCreateTime"`
	SessionID  string    `json:"sessionId" gorm:"type:varchar(64);index;not null"` // 会话ID
	Turn       uint64    `json:"turn" gorm:"index"`                                // 轮次
	Speaker    Speaker   `json:"speaker" gorm:"size:16"`                           // 说话方
	Text       string    `json:"text" gorm:"type:text"`                            // 文本
	Final      bool      `json:"final"`                                            // 是否最终结果
	Confidence float64   `json:"confidence" gorm:"default:0"`                      // 置信度（0-1）
	Phase      string    `json:"phase" gorm:"size:32"`                             // 当时所处阶段
	SpokenAt   time.Time `json:"spokenAt"`                                         // 时间戳
}

// TableName 指定表名
func (TranscriptTurn) TableName() string {
	return constants.TABLE_TRANSCRIPT_TURNS
}

// CreateTranscriptTurns 批量写入转录
func CreateTranscriptTurns(db *gorm.DB, turns []TranscriptTurn) error {
	if len(turns) == 0 {
		return nil
	}
	return db.CreateInBatches(turns, 100).Error
}

// GetTranscriptBySessionID 获取会话的全部转录
func GetTranscriptBySessionID(db *gorm.DB, sessionID string) ([]TranscriptTurn, error) {
	var turns []TranscriptTurn
	err := db.Where("session_id = ?", sessionID).Order("spoken_at ASC, id ASC").Find(&turns).Error
	return turns, err
}

// DeleteTranscriptBefore 清理过期转录
func DeleteTranscriptBefore(db *gorm.DB, before time.Time) (int64, error) {
	res := db.Where("spoken_at < ?", before).Delete(&TranscriptTurn{})
	return res.RowsAffected, res.Error
}
