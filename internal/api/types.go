package api

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

type ErrorResponse struct {
	Error ResponseError `json:"error"`
}

type SessionResponse struct {
	ID        string  `json:"id"`
	Object    string  `json:"object"`
	CreatedAt int64   `json:"created_at"`
	Turns     int     `json:"turns"`
	History   [][]int `json:"history,omitempty"`
}

type ChatRequest struct {
	SessionID string  `json:"session_id,omitempty"`
	Text      *string `json:"text"`
}

type ChatResponse struct {
	ID     string  `json:"id"`
	Object string  `json:"object"`
	Reply  string  `json:"reply"`
	Tokens int     `json:"tokens"`
	Turns  int     `json:"turns"`
	TPS    float64 `json:"tokens_per_second,omitempty"`
}

type DeleteSessionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}
