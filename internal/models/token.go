package models

// TokenType identifies the purpose and lifecycle class of a token.
type TokenType string

const (
	TokenChain      TokenType = "CHAIN"
	TokenExitChain  TokenType = "EXIT_CHAIN"
	TokenLateEntry  TokenType = "LATE_ENTRY"
	TokenEarlyLeave TokenType = "EARLY_LEAVE"
	TokenSession    TokenType = "SESSION"
)

// TokenStatus is the lifecycle state of a Token.
type TokenStatus string

const (
	TokenActive  TokenStatus = "ACTIVE"
	TokenUsed    TokenStatus = "USED"
	TokenRevoked TokenStatus = "REVOKED"
)

// Token is a short-lived, normally single-use credential bound to a
// holder, per spec.md §3/§4.1.
type Token struct {
	TokenID   string      `json:"tokenId"`
	SessionID string      `json:"sessionId"`
	Type      TokenType   `json:"type"`
	ChainID   string      `json:"chainId,omitempty"`
	IssuedTo  string      `json:"issuedTo,omitempty"`
	Seq       int64       `json:"seq"`
	Exp       int64       `json:"exp"`
	Status    TokenStatus `json:"status"`
	SingleUse bool        `json:"singleUse"`
	CreatedAt int64       `json:"createdAt"`
	UsedAt    int64       `json:"usedAt,omitempty"`
}
