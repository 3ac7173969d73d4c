package errors

import (
	stderr "errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("fills defaults", func(t *testing.T) {
		err := NewError(ErrCodeBadHostFormat, "bad host")
		require.NotNil(t, err)
		assert.Equal(t, ErrCodeBadHostFormat, err.Code)
		assert.Equal(t, CategoryConfiguration, err.Category)
		assert.Equal(t, "bad host", err.Message)
		assert.NotNil(t, err.Context)
		assert.NotNil(t, err.Details)
		assert.False(t, err.Timestamp.IsZero())
		assert.False(t, err.Retryable)
	})

	t.Run("tracker communication is retryable", func(t *testing.T) {
		assert.True(t, NewError(ErrCodeTrackerCommunication, "reset").Retryable)
		assert.False(t, NewError(ErrCodeTrackerError, "unknown_command").Retryable)
		assert.False(t, NewError(ErrCodeNoTrackers, "gave up").Retryable)
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code     ErrorCode
		expected ErrorCategory
	}{
		{ErrCodeBadHostFormat, CategoryConfiguration},
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeNoTrackers, CategoryConnection},
		{ErrCodeTrackerCommunication, CategoryConnection},
		{ErrCodeTrackerError, CategoryTracker},
		{ErrCodeKeyNotFound, CategoryTracker},
		{ErrCodeStorageCommunication, CategoryStorage},
		{ErrCodeCommitFailed, CategoryStorage},
		{ErrCodeClientError, CategoryClient},
		{ErrorCode("SOMETHING_ELSE"), CategoryClient},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.expected, GetCategory(tt.code))
		})
	}
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeStorageCommunication, "all paths failed").
		WithComponent("client").
		WithOperation("get_file").
		WithContext("paths", "http://a/1.fid,http://b/1.fid").
		WithCause(io.ErrUnexpectedEOF)

	assert.Equal(t, "[client:get_file] STORAGE_COMMUNICATION: all paths failed: unexpected EOF", err.Error())

	s := err.String()
	assert.True(t, strings.HasPrefix(s, "MogileError{"))
	assert.Contains(t, s, `paths="http://a/1.fid,http://b/1.fid"`)
	assert.Contains(t, s, `Cause="unexpected EOF"`)

	plain := NewError(ErrCodeNoTrackers, "no trackers")
	assert.Equal(t, "NO_TRACKERS: no trackers", plain.Error())
	assert.Equal(t, "[pool] NO_TRACKERS: no trackers", plain.WithComponent("pool").Error())
}

func TestErrorsIsAndAs(t *testing.T) {
	t.Parallel()

	base := Wrap(ErrCodeKeyNotFound, io.EOF, "unknown key")
	wrapped := fmt.Errorf("get paths: %w", base)

	assert.True(t, stderr.Is(wrapped, ErrKeyNotFound))
	assert.False(t, stderr.Is(wrapped, ErrNoTrackers))
	assert.True(t, stderr.Is(wrapped, io.EOF))

	var me *MogileError
	require.True(t, stderr.As(wrapped, &me))
	assert.Equal(t, ErrCodeKeyNotFound, me.Code)

	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsNotFound(io.EOF))
	assert.Equal(t, ErrCodeKeyNotFound, CodeOf(wrapped))
	assert.Equal(t, ErrorCode(""), CodeOf(io.EOF))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRetryable(NewError(ErrCodeTrackerCommunication, "x")))
	assert.False(t, IsRetryable(NewError(ErrCodeTrackerCommunication, "x").WithRetryable(false)))
	assert.True(t, IsRetryable(NewError(ErrCodeClientError, "x").WithRetryable(true)))
	assert.False(t, IsRetryable(io.EOF))
}

func TestWithDetail(t *testing.T) {
	t.Parallel()

	err := Newf(ErrCodeTrackerError, "tracker said %s", "no_domain").
		WithDetail("attempts", 3)

	assert.Equal(t, "tracker said no_domain", err.Message)
	assert.Equal(t, 3, err.Details["attempts"])
	assert.Contains(t, err.String(), `Details={"attempts":3}`)
}
