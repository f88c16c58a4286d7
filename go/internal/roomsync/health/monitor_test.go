package health

import (
	"testing"

	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/stretchr/testify/require"
)

func TestMonitorStartsConnected(t *testing.T) {
	m := NewMonitor()
	require.Equal(t, models.ConnectionStatusConnected, m.Status())
}

func TestMonitorTransitions(t *testing.T) {
	m := NewMonitor()
	var seen []models.ConnectionStatus
	m.OnChange(func(s models.ConnectionStatus) { seen = append(seen, s) })

	m.MarkReconnecting()
	require.Equal(t, models.ConnectionStatusReconnecting, m.Status())

	m.MarkDisconnected()
	require.Equal(t, models.ConnectionStatusDisconnected, m.Status())

	m.MarkReconnecting()
	m.MarkConnected()
	require.Equal(t, models.ConnectionStatusConnected, m.Status())

	require.Equal(t, []models.ConnectionStatus{
		models.ConnectionStatusReconnecting,
		models.ConnectionStatusDisconnected,
		models.ConnectionStatusReconnecting,
		models.ConnectionStatusConnected,
	}, seen)
}

func TestSameStateMarksAreNoOps(t *testing.T) {
	m := NewMonitor()
	notified := 0
	m.OnChange(func(models.ConnectionStatus) { notified++ })

	m.MarkConnected()
	m.MarkConnected()
	require.Zero(t, notified)

	m.MarkReconnecting()
	m.MarkReconnecting()
	require.Equal(t, 1, notified)
}
