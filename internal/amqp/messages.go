package amqp

import (
	"encoding/json"
	"time"

	"allocator/internal/core"
)

// ProposalCreatedMessage announces a stored split proposal to other
// processes. It carries the whole proposal so receivers need no store read.
type ProposalCreatedMessage struct {
	ProposalID      string    `json:"proposal_id"`
	ExpenseID       string    `json:"expense_id"`
	FromUser        string    `json:"from_user"`
	ToUser          string    `json:"to_user"`
	SuggestedRatio  float64   `json:"suggested_ratio"`
	SuggestedAmount float64   `json:"suggested_amount"`
	CreatedAt       time.Time `json:"created_at"`
	Timestamp       time.Time `json:"timestamp"`
}

func NewProposalCreatedMessage(p core.SplitProposal) *ProposalCreatedMessage {
	return &ProposalCreatedMessage{
		ProposalID:      p.ID,
		ExpenseID:       p.ExpenseID,
		FromUser:        p.FromUser,
		ToUser:          p.ToUser,
		SuggestedRatio:  p.SuggestedRatio,
		SuggestedAmount: p.SuggestedAmount,
		CreatedAt:       p.CreatedAt,
		Timestamp:       time.Now(),
	}
}

// Proposal rebuilds the pending proposal the message describes.
func (m *ProposalCreatedMessage) Proposal() core.SplitProposal {
	return core.SplitProposal{
		ID:              m.ProposalID,
		ExpenseID:       m.ExpenseID,
		FromUser:        m.FromUser,
		ToUser:          m.ToUser,
		SuggestedRatio:  m.SuggestedRatio,
		SuggestedAmount: m.SuggestedAmount,
		Status:          core.Pending,
		CreatedAt:       m.CreatedAt,
	}
}

func (m *ProposalCreatedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ProposalCreatedMessageFromJSON(data []byte) (*ProposalCreatedMessage, error) {
	var msg ProposalCreatedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
