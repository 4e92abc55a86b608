package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-systems/kiln/internal/models"
)

func ender3Profile(t *testing.T) models.SafetyProfile {
	t.Helper()
	store := NewStore()
	return store.Get("ender3")
}

func TestValidateHotendOverLimitRejected(t *testing.T) {
	profile := ender3Profile(t)

	result, err := Validate([]string{"M104 S280"}, profile, Strict, true)
	require.NoError(t, err)

	require.Len(t, result.Rejections, 1)
	assert.Equal(t, 0, result.Rejections[0].LineNo)
	assert.Equal(t, "M104 S280", result.Rejections[0].Command)
	assert.Contains(t, result.Rejections[0].Reason, "exceeds max hotend")
	assert.Empty(t, result.Accepted)
}

func TestValidateNegativeTemperatureRejected(t *testing.T) {
	profile := ender3Profile(t)

	result, err := Validate([]string{"M140 S-5"}, profile, Strict, true)
	require.NoError(t, err)

	require.Len(t, result.Rejections, 1)
	assert.Contains(t, result.Rejections[0].Reason, "negative temperature")
}

func TestValidateBlockedAbsoluteCommands(t *testing.T) {
	profile := ender3Profile(t)

	for _, cmd := range []string{"M502", "M997", "M552", "M553", "M554"} {
		t.Run(cmd, func(t *testing.T) {
			result, err := Validate([]string{cmd}, profile, Strict, true)
			require.NoError(t, err)
			require.Len(t, result.Rejections, 1)
			assert.Empty(t, result.Accepted)
		})
	}
}

func TestValidateM501WithoutPriorM500Rejected(t *testing.T) {
	profile := ender3Profile(t)

	result, err := Validate([]string{"M501"}, profile, Strict, true)
	require.NoError(t, err)

	require.Len(t, result.Rejections, 1)
	assert.Contains(t, result.Rejections[0].Reason, "no prior M500")
}

func TestValidateM501AfterM500Accepted(t *testing.T) {
	profile := ender3Profile(t)

	result, err := Validate([]string{"M500", "M501"}, profile, Strict, true)
	require.NoError(t, err)

	assert.Empty(t, result.Rejections)
	assert.Len(t, result.Accepted, 2)
}

func TestValidateUnknownCodeStrictVsDryRun(t *testing.T) {
	profile := ender3Profile(t)

	strict, err := Validate([]string{"G71 X1"}, profile, Strict, true)
	require.NoError(t, err)
	require.Len(t, strict.Rejections, 1)
	assert.Empty(t, strict.Accepted)

	dry, err := Validate([]string{"G71 X1"}, profile, DryRun, true)
	require.NoError(t, err)
	assert.Empty(t, dry.Rejections)
	require.Len(t, dry.Warnings, 1)
	require.Len(t, dry.Accepted, 1)
}

func TestValidateColdExtrusionWarning(t *testing.T) {
	profile := ender3Profile(t)

	result, err := Validate([]string{"M104 S140", "G1 X10 E5"}, profile, Strict, true)
	require.NoError(t, err)

	require.Len(t, result.Warnings, 1)
	assert.Equal(t, 0, result.Warnings[0].LineNo)
	assert.Contains(t, result.Warnings[0].Reason, "cold extrusion")
}

func TestValidateZMoveBeforeHomingWarning(t *testing.T) {
	profile := ender3Profile(t)

	result, err := Validate([]string{"G1 Z5 F1200"}, profile, Strict, true)
	require.NoError(t, err)

	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Reason, "homing")
}

func TestValidateNoWarningWhenHomedFirst(t *testing.T) {
	profile := ender3Profile(t)

	result, err := Validate([]string{"G28", "G1 Z5 F1200"}, profile, Strict, true)
	require.NoError(t, err)

	assert.Empty(t, result.Warnings)
}

func TestValidateFeedrateAboveMaxWarning(t *testing.T) {
	profile := ender3Profile(t)

	result, err := Validate([]string{"G28", "G1 X10 F99999"}, profile, Strict, true)
	require.NoError(t, err)

	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Reason, "feedrate")
}

func TestValidateCommentsAndBlankLinesIgnored(t *testing.T) {
	profile := ender3Profile(t)

	result, err := Validate([]string{
		"; full line comment",
		"",
		"G28 ; home all axes",
		"   ",
	}, profile, Strict, true)
	require.NoError(t, err)

	assert.Empty(t, result.Rejections)
	assert.Empty(t, result.Warnings)
	require.Len(t, result.Accepted, 1)
	assert.Equal(t, "G28", result.Accepted[0])
}

func TestValidateBatchCapEnforcedForInteractiveCalls(t *testing.T) {
	profile := ender3Profile(t)

	lines := make([]string, 101)
	for i := range lines {
		lines[i] = "G28"
	}

	_, err := Validate(lines, profile, Strict, true)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestValidateBatchCapNotEnforcedForFileUploads(t *testing.T) {
	profile := ender3Profile(t)

	lines := make([]string, 101)
	for i := range lines {
		lines[i] = "G28"
	}

	result, err := Validate(lines, profile, Strict, false)
	require.NoError(t, err)
	assert.Len(t, result.Accepted, 101)
}
