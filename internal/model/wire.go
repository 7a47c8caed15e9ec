package model

type (
	SendRequest struct {
		RecipientAddress string            `json:"recipientAddress"`
		SignerAddress    string            `json:"signerAddress,omitempty"`
		EncryptedData    string            `json:"encryptedData"`
		Signature        string            `json:"signature"`
		Timestamp        int64             `json:"timestamp"`
		Nonce            string            `json:"nonce"`
		DataType         DataType          `json:"dataType"`
		Metadata         map[string]string `json:"metadata,omitempty"`
	}

	SendResponse struct {
		MessageID        string `json:"messageId"`
		RecipientAddress string `json:"recipientAddress"`
		Status           Status `json:"status"`
		DeliveryStatus   string `json:"deliveryStatus"`
	}

	PendingResponse struct {
		Messages []*Envelope `json:"messages"`
	}

	AckRequest struct {
		MessageID    string `json:"messageId"`
		Status       string `json:"status"`
		ErrorMessage string `json:"errorMessage,omitempty"`
	}

	AckResponse struct {
		MessageID    string `json:"messageId"`
		Status       Status `json:"status"`
		AckStatus    string `json:"ackStatus"`
		ErrorMessage string `json:"errorMessage,omitempty"`
	}

	RegisterKeyRequest struct {
		Address             string `json:"address"`
		EncryptionPublicKey string `json:"encryptionPublicKey"`
		Timestamp           int64  `json:"timestamp"`
		Nonce               string `json:"nonce"`
		Signature           string `json:"signature"`
	}

	ErrorResponse struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
)

const (
	DeliveryNotified = "notified"
	DeliveryQueued   = "queued"
)

// Request authentication headers.
const (
	HeaderAddress   = "X-Address"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)
