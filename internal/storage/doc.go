package storage

// Package storage provides the optional delivery audit log.
//
// Every terminal send outcome (success or exhaustion of the retry
// budget) is appended here so operators can answer "what went out
// yesterday, and what failed" beyond the single last_error kept in
// the per-bot state.
