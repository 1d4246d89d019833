package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/ris-dicom-qr/internal/engine"
	"github.com/otcheredev/ris-dicom-qr/internal/models"
	"github.com/otcheredev/ris-dicom-qr/pkg/dimse"
)

func TestMoveTargets(t *testing.T) {
	study := moveTargets("1.2.3", nil)
	require.Len(t, study, 1)
	assert.Equal(t, dimse.LevelStudy, study[0].Level)
	assert.NoError(t, study[0].Validate())

	series := moveTargets("1.2.3", []string{"1.2.3.1", "1.2.3.2"})
	require.Len(t, series, 2)
	for i, uid := range []string{"1.2.3.1", "1.2.3.2"} {
		assert.Equal(t, dimse.LevelSeries, series[i].Level)
		assert.Equal(t, "1.2.3", series[i].StudyInstanceUID)
		assert.Equal(t, uid, series[i].SeriesInstanceUID)
		assert.NoError(t, series[i].Validate())
	}
}

func TestSummaryError(t *testing.T) {
	target := models.RetrieveTarget{Level: dimse.LevelStudy, StudyInstanceUID: "1.2.3"}

	assert.NoError(t, summaryError(engine.RetrieveSummary{
		Outcomes: []engine.TargetOutcome{{Target: target, State: engine.StateComplete}},
	}))
	assert.EqualError(t, summaryError(engine.RetrieveSummary{Cancelled: true}), "retrieve cancelled")

	err := summaryError(engine.RetrieveSummary{
		Outcomes: []engine.TargetOutcome{
			{Target: target, State: engine.StateComplete},
			{Target: target, State: engine.StateFailed, Error: "archive refused"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive refused")
}
