package model

import "time"

type (
	Status   string
	DataType string
)

const (
	StatusPending      Status = "pending"
	StatusDelivered    Status = "delivered"
	StatusAcknowledged Status = "acknowledged"
	StatusExpired      Status = "expired"
)

const (
	DataTypeUserInfo          DataType = "user_info"
	DataTypeMedicationPlan    DataType = "medication_plan"
	DataTypeGroupKeyShare     DataType = "group_key_share"
	DataTypePlanShare         DataType = "plan_share"
	DataTypeCheckinStatsShare DataType = "checkin_stats_share"
	DataTypeSyncRequest       DataType = "sync_request"
	DataTypeSyncDone          DataType = "sync_done"
	DataTypePlanResendRequest DataType = "plan_resend_request"
)

// Ack results reported by the recipient. Both move the envelope to acknowledged.
const (
	AckAcknowledged = "acknowledged"
	AckFailed       = "failed"
)

type (
	// Envelope is one signed, encrypted transmission as stored by the relay.
	Envelope struct {
		MessageID        string            `json:"messageId" bson:"_id"`
		SenderAddress    string            `json:"senderAddress" bson:"sender_address"`
		SignerAddress    string            `json:"signerAddress,omitempty" bson:"signer_address,omitempty"`
		RecipientAddress string            `json:"recipientAddress" bson:"recipient_address"`
		EncryptedData    string            `json:"encryptedData" bson:"encrypted_data"`
		Signature        string            `json:"signature" bson:"signature"`
		DataType         DataType          `json:"dataType" bson:"data_type"`
		Metadata         map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
		Nonce            string            `json:"nonce" bson:"nonce"`
		Timestamp        int64             `json:"timestamp" bson:"timestamp"`
		CreatedAt        time.Time         `json:"createdAt" bson:"created_at"`
		ExpiresAt        time.Time         `json:"expiresAt" bson:"expires_at"`
		Status           Status            `json:"status" bson:"status"`
		DeliveredAt      *time.Time        `json:"deliveredAt,omitempty" bson:"delivered_at,omitempty"`
		ReadAt           *time.Time        `json:"readAt,omitempty" bson:"read_at,omitempty"`
		AckStatus        string            `json:"ackStatus,omitempty" bson:"ack_status,omitempty"`
		ErrorMessage     string            `json:"errorMessage,omitempty" bson:"error_message,omitempty"`
	}

	// Notification tells a recipient that an envelope is waiting. It carries no payload.
	Notification struct {
		MessageID        string   `json:"messageId"`
		RecipientAddress string   `json:"recipientAddress"`
		DataType         DataType `json:"dataType"`
	}
)

// Signer returns the address the envelope signature must recover to.
func (e *Envelope) Signer() string {
	if e.SignerAddress != "" {
		return e.SignerAddress
	}
	return e.SenderAddress
}

func (s Status) Terminal() bool {
	return s == StatusAcknowledged || s == StatusExpired
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusDelivered:
		return 1
	case StatusAcknowledged, StatusExpired:
		return 2
	}
	return -1
}

// CanTransition reports whether the lifecycle allows moving from s to next.
// Staying in the same state is allowed so that transitions are idempotent.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	if next == StatusExpired {
		return true
	}
	return next.rank() > s.rank()
}
