package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Transaction is a transaction received for scoring. Amount and Timestamp are
// kept as received; the feature engine is responsible for parsing them.
type Transaction struct {
	ID         string `json:"transaction_id"`
	CustomerID int64  `json:"customer_id"`
	DeviceID   int64  `json:"device_id"`
	Amount     Amount `json:"amount"`
	Channel    string `json:"channel"`
	Timestamp  string `json:"timestamp"`
}

// Amount holds the textual form of a monetary amount. It accepts both JSON
// numbers and JSON strings so that malformed values reach the feature engine
// instead of failing in the decoder.
type Amount string

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	*a = Amount(data)
	return nil
}

// MarshalJSON emits the amount as a JSON number when it is a valid JSON number
// literal, otherwise as a string. NaN and Inf stay strings.
func (a Amount) MarshalJSON() ([]byte, error) {
	if a != "" {
		if out, err := json.Marshal(json.Number(a)); err == nil {
			return out, nil
		}
	}
	return json.Marshal(string(a))
}

// TransactionRequest is the API request payload for POST /predict.
type TransactionRequest struct {
	TransactionID string `json:"transaction_id" validate:"required,max=128"`
	CustomerID    *int64 `json:"customer_id" validate:"required"`
	DeviceID      *int64 `json:"device_id" validate:"required"`
	Amount        Amount `json:"amount" validate:"required"`
	Channel       string `json:"channel" validate:"required,max=32"`
	Timestamp     string `json:"timestamp" validate:"required"`
}

// ToTransaction converts a validated request to a Transaction.
func (r *TransactionRequest) ToTransaction() *Transaction {
	tx := &Transaction{
		ID:        r.TransactionID,
		Amount:    r.Amount,
		Channel:   r.Channel,
		Timestamp: r.Timestamp,
	}
	if r.CustomerID != nil {
		tx.CustomerID = *r.CustomerID
	}
	if r.DeviceID != nil {
		tx.DeviceID = *r.DeviceID
	}
	return tx
}
