package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/domain"
)

func TestMatchFlow_ExactTextMatchOutscoresSubstring(t *testing.T) {
	flows := []*domain.Flow{
		{ID: "f1", Trigger: "hola"},
		{ID: "f2", Trigger: "ho"},
	}
	got := matchFlow(flows, "Hola", "", "")
	assert.Equal(t, "f1", got.ID)
}

func TestMatchFlow_SubstringInFullTextScores(t *testing.T) {
	flows := []*domain.Flow{{ID: "f1", Trigger: "soporte"}}
	got := matchFlow(flows, "necesito soporte urgente", "", "")
	assert.Equal(t, "f1", got.ID)
}

func TestMatchFlow_InteractiveTitleMatch(t *testing.T) {
	flows := []*domain.Flow{
		{ID: "f1", Trigger: "ventas"},
		{ID: "f2", Trigger: "soporte"},
	}
	got := matchFlow(flows, "", "Soporte", "")
	assert.Equal(t, "f2", got.ID)
}

func TestMatchFlow_InteractiveIDMatch(t *testing.T) {
	flows := []*domain.Flow{{ID: "f1", Trigger: "opt_a"}}
	got := matchFlow(flows, "", "", "opt_a")
	assert.Equal(t, "f1", got.ID)
}

func TestMatchFlow_DefaultTriggerLosesToRealMatch(t *testing.T) {
	flows := []*domain.Flow{
		{ID: "fallback", Trigger: "default"},
		{ID: "specific", Trigger: "hola"},
	}
	got := matchFlow(flows, "hola", "", "")
	assert.Equal(t, "specific", got.ID)
}

func TestMatchFlow_TieBreaksByMostRecentlyUpdated(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	flows := []*domain.Flow{
		{ID: "f1", Trigger: "hola", UpdatedAt: older},
		{ID: "f2", Trigger: "hola", UpdatedAt: newer},
	}
	got := matchFlow(flows, "hola", "", "")
	assert.Equal(t, "f2", got.ID)
}

func TestMatchFlow_NoPositiveScoreFallsBackToFirstInInputOrder(t *testing.T) {
	flows := []*domain.Flow{
		{ID: "first", Trigger: "adios"},
		{ID: "second", Trigger: "salir"},
	}
	got := matchFlow(flows, "hola", "", "")
	assert.Equal(t, "first", got.ID)
}

func TestMatchFlow_NilOnlyWhenFlowSetEmpty(t *testing.T) {
	assert.Nil(t, matchFlow(nil, "hola", "", ""))
}
