package web

import (
	"github.com/jnesss/filemon/database"
	"github.com/jnesss/filemon/process"
	"github.com/jnesss/filemon/sigma"
)

// Store is the read side of the operation database.
type Store interface {
	Operations(q database.OperationQuery) ([]database.Operation, error)
	Matches(status string, limit int) ([]database.Match, error)
	UpdateMatchStatus(id int64, status string) error
}

// Processes lists tracked processes.
type Processes interface {
	List() []process.Info
}

// Rules lists loaded detection rules.
type Rules interface {
	Rules() []sigma.RuleInfo
}

type matchStatusRequest struct {
	Status string `json:"status"`
}

type matchStatusResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}
