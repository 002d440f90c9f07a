// Package api holds the JSON request and response bodies of the HTTP API.
package api

import "time"

type CreateSessionRequest struct {
	ID string `json:"id"`
}

type SessionResponse struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail"`
	QR          string    `json:"qr,omitempty"`
	Token       string    `json:"token"`
	IsConnected bool      `json:"isConnected"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type ReconnectResponse struct {
	Triggered bool `json:"triggered"`
}

type HealthResponse struct {
	Status          string `json:"status"`
	ActiveSessions  int    `json:"activeSessions"`
	RealtimeClients int    `json:"realtimeClients"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
