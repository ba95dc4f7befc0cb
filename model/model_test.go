package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNotificationAcceptsNumericAndStringUserID(t *testing.T) {
	n, err := ParseNotification([]byte(`{"topic":"questions","resource":"/questions/123","user_id":987654,"application_id":42,"attempts":1,"sent":"2024-05-01T10:00:00.000Z","received":"2024-05-01T10:00:00.100Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "987654", n.UserID.String())
	assert.Equal(t, "42", n.ApplicationID.String())
	assert.Equal(t, 2024, n.Sent.Year())

	n, err = ParseNotification([]byte(`{"topic":"orders_v2","resource":"/orders/1","user_id":" 987654 ","sent":1714557600}`))
	require.NoError(t, err)
	assert.Equal(t, "987654", n.UserID.String())
	assert.Equal(t, int64(1714557600), n.Sent.Unix())
}

func TestParseNotificationRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"malformed":         `{"topic":`,
		"missing topic":     `{"resource":"/questions/1","user_id":1}`,
		"missing user":      `{"topic":"questions","resource":"/questions/1"}`,
		"relative resource": `{"topic":"questions","resource":"questions/1","user_id":1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseNotification([]byte(body))
			require.Error(t, err)
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr))
			assert.True(t, IsPermanent(err))
		})
	}
}

func TestIdempotencyKeyIgnoresDeliveryMetadata(t *testing.T) {
	first := &Notification{Topic: "questions", Resource: "/questions/1", UserID: "55", Attempts: 1, Sent: FlexibleTime{time.Now()}}
	redelivery := &Notification{Topic: "Questions ", Resource: "/questions/1", UserID: "55", Attempts: 7, Sent: FlexibleTime{time.Now().Add(time.Hour)}}

	assert.Equal(t, IdempotencyKey("mercadolibre", first), IdempotencyKey("mercadolibre", redelivery))
	assert.Len(t, IdempotencyKey("mercadolibre", first), 64)
}

func TestIdempotencyKeyDistinguishesIdentity(t *testing.T) {
	base := &Notification{Topic: "questions", Resource: "/questions/1", UserID: "55"}
	keys := map[string]struct{}{
		IdempotencyKey("mercadolibre", base): {},
		IdempotencyKey("other", base):        {},
		IdempotencyKey("mercadolibre", &Notification{Topic: "orders_v2", Resource: "/questions/1", UserID: "55"}): {},
		IdempotencyKey("mercadolibre", &Notification{Topic: "questions", Resource: "/questions/2", UserID: "55"}):  {},
		IdempotencyKey("mercadolibre", &Notification{Topic: "questions", Resource: "/questions/1", UserID: "56"}):  {},
	}
	assert.Len(t, keys, 5)
}

func TestNewJob(t *testing.T) {
	now := time.Now().UTC()
	n := &Notification{Topic: "questions", Resource: "/questions/1", UserID: "55"}
	job := NewJob("key", "mercadolibre", n, PriorityInteractive, 5, now)

	assert.Equal(t, JobPending, job.Status)
	assert.Equal(t, "55", job.OriginAccountID)
	assert.False(t, job.Resolved())
	assert.Contains(t, string(job.Payload), `"/questions/1"`)

	job.Attach(&Account{AccountID: "acc_1", TenantID: "ten_1"})
	assert.True(t, job.Resolved())
	assert.Equal(t, "ten_1", job.TenantID)
}

func TestErrorTaxonomy(t *testing.T) {
	perm := Permanent(errors.New("bad request"))
	assert.True(t, IsPermanent(perm))
	assert.False(t, errors.Is(perm, ErrTransient))

	trans := Transient(fmt.Errorf("upstream 503"))
	assert.True(t, errors.Is(trans, ErrTransient))
	assert.False(t, IsPermanent(trans))

	assert.Nil(t, Permanent(nil))
	assert.True(t, strings.HasPrefix(GenerateUUIDWithSuffix("alert"), "alert_"))
}

func TestAccountValidate(t *testing.T) {
	assert.NoError(t, Account{AccountID: "acc_1", TenantID: "ten_1", OriginAccountID: "123"}.Validate())

	err := Account{AccountID: "acc_1"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant_id")
	assert.Contains(t, err.Error(), "origin_account_id")
}
