package model

import "time"

const (
	RoleProducer = "producer"
	RoleConsumer = "consumer"
)

type (
	PublicKeyRecord struct {
		Address             string    `json:"recipientAddress" bson:"_id"`
		EncryptionPublicKey string    `json:"encryptionPublicKey" bson:"encryption_public_key"`
		UpdatedAt           time.Time `json:"updatedAt" bson:"updated_at"`
	}

	// GroupKey is the active symmetric key a holder keeps for one access group.
	// Owner is the distributor of the key; it equals Holder for groups the holder
	// runs itself. Received marks rows created from a group_key_share.
	GroupKey struct {
		Holder      string       `json:"holder" bson:"holder"`
		Owner       string       `json:"owner" bson:"owner"`
		GroupID     string       `json:"groupId" bson:"group_id"`
		Received    bool         `json:"received" bson:"received"`
		KeyVersion  int          `json:"keyVersion" bson:"key_version"`
		KeyMaterial []byte       `json:"-" bson:"key_material"`
		UpdatedAt   time.Time    `json:"updatedAt" bson:"updated_at"`
		Retired     []RetiredKey `json:"-" bson:"retired,omitempty"`
	}

	// RetiredKey is a superseded version kept only to open payloads already received.
	RetiredKey struct {
		KeyVersion  int       `bson:"key_version"`
		KeyMaterial []byte    `bson:"key_material"`
		RetiredAt   time.Time `bson:"retired_at"`
	}

	// GroupKeyShare is the plaintext of a group_key_share envelope.
	GroupKeyShare struct {
		GroupID     string `json:"groupId"`
		KeyVersion  int    `json:"keyVersion"`
		KeyMaterial string `json:"keyMaterial"`
	}

	// WrappedSecret is a secret sealed under a group key.
	WrappedSecret struct {
		Owner      string `json:"owner,omitempty"`
		GroupID    string `json:"groupId"`
		KeyVersion int    `json:"keyVersion"`
		Ciphertext string `json:"ciphertext"`
	}

	IdentityInfo struct {
		Address             string `json:"address"`
		EncryptionPublicKey string `json:"encryptionPublicKey"`
		UpdatedAt           int64  `json:"updatedAt"`
	}

	ResendRequest struct {
		Requester   string `json:"requester"`
		Reason      string `json:"reason"`
		RequestedAt int64  `json:"requestedAt"`
	}

	Relationship struct {
		Address string `json:"address" yaml:"address"`
		Role    string `json:"role" yaml:"role"`
	}
)

// Material returns the key material for version, searching retired versions too.
func (k *GroupKey) Material(version int) ([]byte, bool) {
	if k.KeyVersion == version {
		return k.KeyMaterial, true
	}
	for _, r := range k.Retired {
		if r.KeyVersion == version {
			return r.KeyMaterial, true
		}
	}
	return nil, false
}
