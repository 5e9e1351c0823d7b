package repositories

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/clasak/compassiq/pkg/database"
)

// ErrRunNotRunning is returned when closing a run that is already terminal or does not exist.
var ErrRunNotRunning = errors.New("source run is not running")

// NotFound returns a 404 HTTP error with a descriptive message
func NotFound(format string, args ...any) error {
	return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf(format, args...))
}

// Internal returns a 500 HTTP error
func Internal(message string) error {
	return httperror.NewHTTPError(http.StatusInternalServerError, message)
}

// IsNotFound reports whether err is a 404 HTTP error
func IsNotFound(err error) bool {
	return httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound
}

// Repository provides common database operations
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new base repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// DB returns the database instance
func (r *Repository) DB() database.DB {
	return r.db
}
