package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSQLiteConflictErrorFallsBackToMessage(t *testing.T) {
	t.Parallel()

	assert.False(t, IsSQLiteConflictError(nil))
	assert.False(t, IsSQLiteConflictError(errors.New("no such table: widget_kv")))
	assert.True(t, IsSQLiteBusyError(errors.New("exec: SQLITE_BUSY")))
	assert.True(t, IsSQLiteLockedError(fmt.Errorf("upsert: %w", errors.New("database is locked"))))
	assert.True(t, IsSQLiteConflictError(errors.New("database is locked (5)")))
}
