package rpcclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polygon-custody/hotwallet/internal/apperr"
)

func TestNewHTTP_RejectsUnreachableURL(t *testing.T) {
	_, err := NewHTTP(context.Background(), Config{URL: "http://127.0.0.1:0/does-not-exist"})
	require.Error(t, err)
	require.ErrorIs(t, err, apperr.ErrRPC)
}

func TestNewWS_RejectsMalformedURL(t *testing.T) {
	_, err := NewWS(context.Background(), Config{URL: "not-a-url"})
	require.Error(t, err)
	require.ErrorIs(t, err, apperr.ErrRPC)
}
