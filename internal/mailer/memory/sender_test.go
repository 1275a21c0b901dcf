package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

func TestSenderRecordsAndFails(t *testing.T) {
	t.Parallel()

	s := New()
	require.NoError(t, s.Send(context.Background(), monitor.Email{To: "a@example.com"}))

	boom := errors.New("smtp down")
	s.FailWith(boom)
	require.ErrorIs(t, s.Send(context.Background(), monitor.Email{To: "b@example.com"}), boom)

	sent := s.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "a@example.com", sent[0].To)
}
