package custody

// DepositRequest carries the amount to save, in display units ("10.005").
type DepositRequest struct {
	Amount string `json:"amount"`
}

// TransferRequest sends part of the caller's savings to an external address.
type TransferRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

// OperationResponse reports a completed deposit, withdrawal or transfer.
type OperationResponse struct {
	Owner       string `json:"owner"`
	Recipient   string `json:"recipient,omitempty"`
	Amount      string `json:"amount"`
	Entitlement string `json:"entitlement"`
	Sequence    int64  `json:"event_sequence,omitempty"`
}

// EntitlementResponse reports one owner's savings.
type EntitlementResponse struct {
	Owner       string `json:"owner"`
	Entitlement string `json:"entitlement"`
}

// PoolResponse reports the value held for all owners.
type PoolResponse struct {
	Balance string `json:"balance"`
}

// EventResponse is one entry of the event log with amounts in display units.
type EventResponse struct {
	Sequence   int64  `json:"sequence"`
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Owner      string `json:"owner"`
	Recipient  string `json:"recipient,omitempty"`
	Amount     string `json:"amount"`
	OccurredAt string `json:"occurred_at"`
}

// EventPage is a page of the event log. Next is the cursor for the following page.
type EventPage struct {
	Events []EventResponse `json:"events"`
	Next   int64           `json:"next"`
}
