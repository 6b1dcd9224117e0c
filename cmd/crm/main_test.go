package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmflow/internal/domain"
)

func TestParseStageFlag(t *testing.T) {
	st, err := parseStageFlag("Closed Won:100")
	require.NoError(t, err)
	assert.Equal(t, "Closed Won", st.Name)
	assert.Equal(t, 100, st.Probability)

	st, err = parseStageFlag("Lead")
	require.NoError(t, err)
	assert.Equal(t, "Lead", st.Name)
	assert.Zero(t, st.Probability)

	_, err = parseStageFlag("Lead:high")
	require.Error(t, err)
}

func TestParseConditionsTypesScalars(t *testing.T) {
	conds, err := parseConditions([]string{"to_stage=Closed Won", "value=5000", "vip=true"})
	require.NoError(t, err)
	assert.Equal(t, "Closed Won", conds["to_stage"])
	assert.Equal(t, 5000, conds["value"])
	assert.Equal(t, true, conds["vip"])

	_, err = parseConditions([]string{"=x"})
	require.Error(t, err)
}

func TestParseActions(t *testing.T) {
	acts, err := parseActions([]string{
		`add_tag={"tag":"hot"}`,
		`send_notification={message: "Welcome {{name}}", channel: sales}`,
	})
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, domain.AddTagConfig{Tag: "hot"}, acts[0].Config)
	assert.Equal(t, domain.SendNotificationConfig{Message: "Welcome {{name}}", Channel: "sales"}, acts[1].Config)

	_, err = parseActions([]string{"send_fax"})
	require.Error(t, err)
}
