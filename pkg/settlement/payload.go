package settlement

import (
	"encoding/json"

	"remittance_back/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// RecipientDetails is serialized into the contract call. TransferID travels with it so
// the executor side can recognize a repeated submission.
type RecipientDetails struct {
	TransferID string `json:"transferId"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Email      string `json:"email,omitempty"`
	Purpose    string `json:"purpose,omitempty"`
}

// Payload is built once at transfer creation, stored with the transfer and replayed
// byte for byte on every attempt.
type Payload struct {
	TransferID          string           `json:"transferId"`
	Amount              decimal.Decimal  `json:"amount"`
	SourceCurrency      string           `json:"sourceCurrency"`
	DestinationCurrency string           `json:"destinationCurrency"`
	SourceCountry       string           `json:"sourceCountry"`
	DestinationCountry  string           `json:"destinationCountry"`
	Recipient           RecipientDetails `json:"recipient"`
}

func BuildPayload(t models.Transfer) ([]byte, error) {
	if t.ID == "" {
		return nil, errors.New("settlement payload needs a transfer id")
	}
	email := ""
	if t.RecipientEmail != nil {
		email = *t.RecipientEmail
	}
	p := Payload{
		TransferID:          t.ID,
		Amount:              t.SourceAmount,
		SourceCurrency:      t.SourceCurrency,
		DestinationCurrency: t.DestinationCurrency,
		SourceCountry:       t.SourceCountry,
		DestinationCountry:  t.DestinationCountry,
		Recipient: RecipientDetails{
			TransferID: t.ID,
			Name:       t.RecipientName,
			Phone:      t.RecipientPhone,
			Email:      email,
			Purpose:    t.Purpose,
		},
	}
	body, err := json.Marshal(p)
	return body, errors.Wrap(err, "marshal settlement payload")
}

func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, errors.Wrap(err, "decode settlement payload")
	}
	if p.TransferID == "" {
		return p, errors.New("settlement payload has no transfer id")
	}
	return p, nil
}

// RecipientJSON is the recipientDetails argument of the contract call.
func (p Payload) RecipientJSON() (string, error) {
	body, err := json.Marshal(p.Recipient)
	if err != nil {
		return "", errors.Wrap(err, "marshal recipient details")
	}
	return string(body), nil
}
