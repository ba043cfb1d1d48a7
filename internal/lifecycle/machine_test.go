package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullCycle(t *testing.T) {
	m := New()
	assert.Equal(t, Uninitialized, m.State())
	assert.False(t, m.Attached())

	tr, err := m.Attach("act-1")
	require.NoError(t, err)
	assert.Equal(t, Uninitialized, tr.From)
	assert.Equal(t, Attached, tr.To)
	assert.Equal(t, "act-1", m.Context())

	_, err = m.DetachForConfigChange()
	require.NoError(t, err)
	assert.Equal(t, TransientlyDetached, m.State())
	assert.Empty(t, m.Context())

	_, err = m.Reattach("act-2")
	require.NoError(t, err)
	assert.Equal(t, "act-2", m.Context())

	_, err = m.Destroy()
	require.NoError(t, err)
	assert.Equal(t, PermanentlyDetached, m.State())

	_, err = m.Attach("act-3")
	require.NoError(t, err, "a destroyed plugin may attach again")
	assert.True(t, m.Attached())
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *Machine)
		apply func(m *Machine) error
	}{
		{
			name:  "detach before attach",
			setup: func(*Machine) {},
			apply: func(m *Machine) error { _, err := m.DetachForConfigChange(); return err },
		},
		{
			name:  "reattach while attached",
			setup: func(m *Machine) { _, _ = m.Attach("a") },
			apply: func(m *Machine) error { _, err := m.Reattach("b"); return err },
		},
		{
			name:  "attach twice",
			setup: func(m *Machine) { _, _ = m.Attach("a") },
			apply: func(m *Machine) error { _, err := m.Attach("b"); return err },
		},
		{
			name:  "destroy before attach",
			setup: func(*Machine) {},
			apply: func(m *Machine) error { _, err := m.Destroy(); return err },
		},
		{
			name: "destroy twice",
			setup: func(m *Machine) {
				_, _ = m.Attach("a")
				_, _ = m.Destroy()
			},
			apply: func(m *Machine) error { _, err := m.Destroy(); return err },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			tt.setup(m)
			before := m.State()
			err := tt.apply(m)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, before, m.State(), "state must not change on rejected transition")
		})
	}
}

func TestDestroyFromTransientDetach(t *testing.T) {
	m := New()
	_, _ = m.Attach("a")
	_, _ = m.DetachForConfigChange()

	tr, err := m.Destroy()
	require.NoError(t, err)
	assert.Equal(t, TransientlyDetached, tr.From)
}

func TestEmptyContextRejected(t *testing.T) {
	m := New()
	_, err := m.Attach("")
	assert.Error(t, err)
	assert.Equal(t, Uninitialized, m.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "transiently_detached", TransientlyDetached.String())
	assert.Equal(t, "state(9)", State(9).String())
}
