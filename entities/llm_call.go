package entities

import "time"

// LLMCall is an opaque audit record attached to a batch by the downstream
// analysis engine. The recorder core stores and returns the payloads without
// interpreting them.
type LLMCall struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	BatchID   int64     `json:"batch_id" gorm:"not null;index:idx_llm_calls_batch"`
	Request   []byte    `json:"request" gorm:"type:blob"`
	Response  []byte    `json:"response" gorm:"type:blob"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
}

func (LLMCall) TableName() string {
	return "llm_calls"
}
