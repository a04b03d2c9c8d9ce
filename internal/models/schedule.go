package models

import "time"

// Schedule is a recurring board run: execute the board from the given start
// node on a cron cadence.
type Schedule struct {
	ID        string    `json:"id"`
	BoardID   string    `json:"boardId"`
	NodeID    int64     `json:"nodeId"`
	CronExpr  string    `json:"cronExpr"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
}
