package auction

import "time"

// BidSelectionMessage is published on bus.ChannelBidSelection when a
// window closes with a winner. The external settler is the consumer.
type BidSelectionMessage struct {
	IntentHash   string    `json:"intentHash"`
	BidID        string    `json:"bidId"`
	QuoteOut     string    `json:"quoteOut"`
	SolverFeeBps uint16    `json:"solverFeeBps"`
	CalldataHint string    `json:"calldataHint"`
	SolverID     string    `json:"solverId"`
	Timestamp    time.Time `json:"timestamp"`
}

// BidUpdateMessage is published on bus.ChannelWSBidUpdatePrefix+hash for
// every admitted bid, consumed by subscriber sessions (C8).
type BidUpdateMessage struct {
	IntentHash   string  `json:"intentHash"`
	BidID        string  `json:"bidId"`
	Rank         int     `json:"rank"`
	Score        float64 `json:"score"`
	QuoteOut     string  `json:"quoteOut"`
	SolverFeeBps uint16  `json:"solverFeeBps"`
	TotalBids    int     `json:"totalBids"`
}

// IntentStatusMessage is published on bus.ChannelWSIntentStatusPrefix+hash
// whenever an intent's status changes, consumed by subscriber sessions.
type IntentStatusMessage struct {
	IntentHash string    `json:"intentHash"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// BidResultMessage is published on bus.SolverBidResultChannel(solverId)
// when one of that solver's own bids reaches a terminal outcome, consumed
// by that solver's session (C7).
type BidResultMessage struct {
	IntentHash string `json:"intentHash"`
	BidID      string `json:"bidId"`
	Outcome    string `json:"outcome"`
}
