//go:build unit

package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const accountUpdateBody = `{
	"creditor_id": 1,
	"debtor_id": 2,
	"ts": "2026-03-01T12:00:00Z",
	"creation_date": "2026-01-15",
	"last_change_ts": "2026-03-01T11:59:00Z",
	"last_change_seqnum": 3,
	"principal": 1000,
	"interest": 1.5,
	"interest_rate": 2.0,
	"demurrage_rate": -50,
	"commit_period": 86400,
	"transfer_note_max_bytes": 500,
	"last_interest_rate_change_ts": "1970-01-01T00:00:00Z",
	"last_transfer_number": 11,
	"last_transfer_committed_at": "2026-03-01T11:00:00Z",
	"last_config_ts": "2026-02-01T00:00:00Z",
	"last_config_seqnum": 1,
	"negligible_amount": 1.0,
	"config_data": "",
	"config_flags": 0,
	"ttl": 3600,
	"account_id": "acc-1",
	"debtor_info_iri": "https://example.com/debtors/2",
	"debtor_info_content_type": "application/json",
	"debtor_info_sha256": "E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855"
}`

func TestDecode_AccountUpdate(t *testing.T) {
	t.Parallel()

	msg, err := Decode(TypeAccountUpdate, ContentTypeJSON, []byte(accountUpdateBody))
	require.NoError(t, err)

	update, ok := msg.(*AccountUpdate)
	require.True(t, ok)
	assert.Equal(t, TypeAccountUpdate, msg.Type())
	assert.Equal(t, int64(1), msg.Key().CreditorID)
	assert.Equal(t, int64(2), msg.Key().DebtorID)
	assert.Equal(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), update.CreationDate.Time)
	assert.Equal(t, int64(1000), update.Principal)
	assert.Equal(t, int64(3600), update.TTL)
	assert.Equal(t, "acc-1", update.AccountID)
}

func TestDecode_Transfers(t *testing.T) {
	t.Parallel()

	body := `{"creditor_id":1,"debtor_id":2,"ts":"2026-03-01T12:00:00Z",
		"transfer_number":7,"creation_date":"2026-01-15","coordinator_type":"direct",
		"sender":"100","recipient":"1","acquired_amount":100,"transfer_note_format":"",
		"transfer_note":"","committed_at":"2026-03-01T11:00:00Z","principal":1100,
		"previous_transfer_number":6}`

	msg, err := Decode(TypeAccountTransfer, ContentTypeJSON, []byte(body))
	require.NoError(t, err)

	ct := msg.(*AccountTransfer).Transfer()
	assert.Equal(t, int64(7), ct.TransferNumber)
	assert.Equal(t, int64(6), ct.PreviousTransferNumber)
	assert.Equal(t, int64(100), ct.AcquiredAmount)

	body = `{"creditor_id":1,"debtor_id":2,"ts":"2026-03-01T12:00:00Z",
		"coordinator_type":"direct","coordinator_id":1,"coordinator_request_id":5,
		"transfer_id":9,"committed_amount":100,"status_code":"OK",
		"total_locked_amount":0,"prepared_at":"2026-03-01T11:00:00Z"}`

	msg, err = Decode(TypeFinalizedTransfer, ContentTypeJSON, []byte(body))
	require.NoError(t, err)

	finalized := msg.(*FinalizedTransfer)
	assert.True(t, finalized.IsDirect())
	assert.Equal(t, int64(5), finalized.CoordinatorRequestID)
	assert.Equal(t, "OK", finalized.StatusCode)
}

func TestDecode_TransferNoteCountsBytes(t *testing.T) {
	t.Parallel()

	body := `{"creditor_id":1,"debtor_id":2,"ts":"2026-03-01T12:00:00Z",
		"transfer_number":7,"creation_date":"2026-01-15","coordinator_type":"direct",
		"acquired_amount":100,"committed_at":"2026-03-01T11:00:00Z","principal":1100,
		"previous_transfer_number":6,"transfer_note":"` + strings.Repeat("é", 250) + `"}`

	msg, err := Decode(TypeAccountTransfer, ContentTypeJSON, []byte(body))
	require.NoError(t, err, "250 two-byte runes fit in 500 bytes")
	assert.Len(t, msg.(*AccountTransfer).TransferNote, 500)
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		msgType     string
		contentType string
		body        string
		wantErr     error
		fields      []string
	}{
		{
			name:        "wrong content type",
			msgType:     TypeAccountPurge,
			contentType: "text/plain",
			body:        `{}`,
			wantErr:     ErrContentType,
		},
		{
			name:        "unknown type",
			msgType:     "ConfigureAccount",
			contentType: ContentTypeJSON,
			body:        `{}`,
			wantErr:     ErrUnknownType,
		},
		{
			name:        "not json",
			msgType:     TypeAccountPurge,
			contentType: ContentTypeJSON,
			body:        `not json`,
			wantErr:     ErrMalformed,
		},
		{
			name:        "bad date",
			msgType:     TypeAccountPurge,
			contentType: ContentTypeJSON,
			body:        `{"creditor_id":1,"debtor_id":2,"ts":"2026-03-01T12:00:00Z","creation_date":"15/01/2026"}`,
			wantErr:     ErrMalformed,
		},
		{
			name:        "missing ts",
			msgType:     TypeAccountPurge,
			contentType: ContentTypeJSON,
			body:        `{"creditor_id":1,"debtor_id":2,"creation_date":"2026-01-15"}`,
			fields:      []string{"TS(required)"},
		},
		{
			name:        "previous transfer not smaller",
			msgType:     TypeAccountTransfer,
			contentType: ContentTypeJSON,
			body: `{"creditor_id":1,"debtor_id":2,"ts":"2026-03-01T12:00:00Z",
				"transfer_number":7,"creation_date":"2026-01-15","coordinator_type":"direct",
				"acquired_amount":100,"committed_at":"2026-03-01T11:00:00Z","principal":1100,
				"previous_transfer_number":7}`,
			fields: []string{"PreviousTransferNumber(ltfield)"},
		},
		{
			name:        "transfer note over 500 bytes",
			msgType:     TypeAccountTransfer,
			contentType: ContentTypeJSON,
			body: `{"creditor_id":1,"debtor_id":2,"ts":"2026-03-01T12:00:00Z",
				"transfer_number":7,"creation_date":"2026-01-15","coordinator_type":"direct",
				"acquired_amount":100,"committed_at":"2026-03-01T11:00:00Z","principal":1100,
				"previous_transfer_number":6,"transfer_note":"` + strings.Repeat("é", 251) + `"}`,
			fields: []string{"TransferNote(maxbytes)"},
		},
		{
			name:        "empty rejection code",
			msgType:     TypeRejectedConfig,
			contentType: ContentTypeJSON,
			body:        `{"creditor_id":1,"debtor_id":2,"ts":"2026-03-01T12:00:00Z","config_ts":"2026-03-01T11:00:00Z"}`,
			fields:      []string{"RejectionCode(required)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Decode(tt.msgType, tt.contentType, []byte(tt.body))
			require.Error(t, err)
			assert.True(t, IsProtocolError(err))

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}

			if tt.fields != nil {
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tt.fields, verr.Fields)
			}
		})
	}
}
