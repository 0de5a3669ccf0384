package deriver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promecarus/tax-rag/internal/regulation"
)

func TestParseQAList_Valid(t *testing.T) {
	raw := `{"qa_list":[{"question":"Apa itu PPN?","answer":"Pajak Pertambahan Nilai."},{"question":"Berapa tarifnya?","answer":"Sebelas persen."}]}`

	pairs, err := parseQAList(raw)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "Apa itu PPN?", pairs[0].Question)
	assert.Equal(t, "Sebelas persen.", pairs[1].Answer)
}

func TestParseQAList_SchemaViolations(t *testing.T) {
	cases := map[string]string{
		"malformed json": `{"qa_list":[`,
		"too few items":  `{"qa_list":[{"question":"q","answer":"a"}]}`,
		"empty field":    `{"qa_list":[{"question":"q","answer":""},{"question":"q","answer":"a"}]}`,
		"missing field":  `{"qa_list":[{"question":"q"},{"question":"q","answer":"a"}]}`,
		"empty object":   `{}`,
	}
	for name, raw := range cases {
		_, err := parseQAList(raw)
		assert.Error(t, err, name)
	}

	// Over the maximum is also a violation.
	var over qaList
	for i := 0; i < MaxPairs+1; i++ {
		over.QAList = append(over.QAList, QAPair{Question: "q", Answer: "a"})
	}
	raw, err := json.Marshal(over)
	require.NoError(t, err)
	_, err = parseQAList(string(raw))
	assert.Error(t, err)
}

func TestPairsToDocuments(t *testing.T) {
	reg := regulation.Regulation{
		Permalink:      "pmk-3-2022",
		DocumentStatus: "Berlaku",
		Topics:         "2",
		Type:           "PMK",
		Number:         "3/2022",
	}
	pairs := []QAPair{
		{Question: "Q1", Answer: "A1"},
		{Question: "Q2", Answer: "A2"},
	}

	docs := PairsToDocuments(reg, pairs)
	require.Len(t, docs, 2)
	assert.Equal(t, "pmk-3-2022#1", docs[0].ID)
	assert.Equal(t, "pmk-3-2022#2", docs[1].ID)
	assert.Equal(t, "Q1", docs[0].Text)
	assert.Equal(t, "A1", docs[0].Metadata.Answer)
	assert.Equal(t, "Berlaku", docs[1].Metadata.DocumentStatus)
}

// chatServer fakes the chat completions endpoint, returning each canned body
// in turn.
func chatServer(t *testing.T, bodies ...string) (*openai.Client, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		body := bodies[len(bodies)-1]
		if int(n) <= len(bodies) {
			body = bodies[n-1]
		}
		content, _ := json.Marshal(body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%s}}]}`, content)
	}))
	t.Cleanup(srv.Close)

	client := openai.NewClient(
		option.WithBaseURL(srv.URL),
		option.WithAPIKey("test"),
	)
	return &client, &calls
}

func TestGenerate_RetryAbsorbsOneBadResponse(t *testing.T) {
	valid := `{"qa_list":[{"question":"Q1","answer":"A1"},{"question":"Q2","answer":"A2"}]}`
	client, calls := chatServer(t, `{"qa_list":[]}`, valid)

	g := NewQAGenerator(client, "test-model", WithQARetryPolicy(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}))

	pairs, err := g.Generate(context.Background(), "isi peraturan")
	require.NoError(t, err)
	assert.Len(t, pairs, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
	assert.Equal(t, 2, g.Calls())

	// The failure was absorbed internally, so no sentinel anywhere.
	for _, p := range pairs {
		assert.NotEqual(t, Sentinel, p.Question)
		assert.NotEqual(t, Sentinel, p.Answer)
	}
}

func TestDerive_SentinelOnExhaustedBoundedPolicy(t *testing.T) {
	client, _ := chatServer(t, `not json at all`)

	g := NewQAGenerator(client, "test-model", WithQARetryPolicy(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	}))

	docs, err := g.Derive(context.Background(), regulation.Regulation{
		Permalink: "pmk-x",
		BodyText:  "isi",
	})
	require.NoError(t, err, "exhaustion becomes a sentinel, not a failure")
	require.Len(t, docs, 1)
	assert.Equal(t, "pmk-x#1", docs[0].ID)
	assert.Equal(t, Sentinel, docs[0].Text)
	assert.Equal(t, Sentinel, docs[0].Metadata.Answer)
}

func TestDerive_Success(t *testing.T) {
	valid := `{"qa_list":[{"question":"Q1","answer":"A1"},{"question":"Q2","answer":"A2"},{"question":"Q3","answer":"A3"}]}`
	client, _ := chatServer(t, valid)

	g := NewQAGenerator(client, "test-model", WithQARetryPolicy(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}))

	docs, err := g.Derive(context.Background(), regulation.Regulation{
		Permalink:      "pmk-9-2020",
		DocumentStatus: "Tidak Berlaku",
		Topics:         "3",
		BodyText:       "isi peraturan",
	})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "pmk-9-2020#3", docs[2].ID)
	assert.Equal(t, "Tidak Berlaku", docs[2].Metadata.DocumentStatus)
}
