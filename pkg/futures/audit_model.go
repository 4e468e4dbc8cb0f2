// 文件: pkg/futures/audit_model.go
// 结算审计日志

package futures

import "encoding/json"

type AuditKind string

const (
	AuditFundingSettlement    AuditKind = "funding_settlement"
	AuditLiquidation          AuditKind = "liquidation"
	AuditInsuranceTransaction AuditKind = "insurance_transaction"
	AuditADLEvent             AuditKind = "adl_event"
	AuditADLReduction         AuditKind = "adl_reduction"
	AuditTriggerExecution     AuditKind = "trigger_execution"
	AuditPositionChange       AuditKind = "position_change"
)

// AuditRecord 每一次资金相关的变更一条，按 IdempotencyKey 去重
type AuditRecord struct {
	ID             int64           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	IdempotencyKey string          `gorm:"column:idempotency_key;type:varchar(128);uniqueIndex" json:"idempotency_key"`
	Kind           AuditKind       `gorm:"column:kind;type:varchar(32);index" json:"kind"`
	Symbol         string          `gorm:"column:symbol;type:varchar(32)" json:"symbol"`
	PositionID     int64           `gorm:"column:position_id;index" json:"position_id,omitempty"`
	Payload        json.RawMessage `gorm:"column:payload;type:json" json:"payload"`
	CreatedAt      int64           `gorm:"column:created_at" json:"created_at"`
}

func (AuditRecord) TableName() string {
	return "audit_records"
}
