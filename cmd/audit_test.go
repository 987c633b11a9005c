package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/serverqueue/core/audit"
)

func TestWriteRecords(t *testing.T) {
	recs := []audit.Record{{Event: "dispatched", Client: "c1", Destination: "arena"}}

	var buf bytes.Buffer
	require.NoError(t, writeRecords(&buf, "csv", recs))
	assert.Contains(t, buf.String(), "dispatched,c1,arena")

	buf.Reset()
	require.NoError(t, writeRecords(&buf, "json", recs))
	assert.Contains(t, buf.String(), `"destination":"arena"`)

	assert.Error(t, writeRecords(&buf, "xml", recs))
}
