package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

func TestPlainText(t *testing.T) {
	html := `<html><body><h2>Title</h2><ul><li><strong>Case:</strong>  C-1</li><li>Two</li></ul><p>Done.</p><script>x()</script></body></html>`
	text, err := PlainText(html)
	require.NoError(t, err)
	assert.Equal(t, "Title\n- Case: C-1\n- Two\nDone.", text)

	text, err = PlainText("just text")
	require.NoError(t, err)
	assert.Equal(t, "just text", text)
}

func TestSMTPSender_Send(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotBody []byte
	sender := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Username: "u", Password: "p", From: "disputes@example.com"})
	sender.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotBody = addr, from, to, msg
		return nil
	}

	err := sender.Send(context.Background(), Message{
		To:      []string{"a@example.com"},
		Subject: "Hello",
		HTML:    "<p>Body text</p>",
	})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "disputes@example.com", gotFrom)
	assert.Equal(t, []string{"a@example.com"}, gotTo)

	body := string(gotBody)
	assert.Contains(t, body, "Subject: Hello")
	assert.Contains(t, body, "multipart/alternative")
	assert.Contains(t, body, "text/plain")
	assert.Contains(t, body, "Body text")
	assert.Contains(t, body, "<p>Body text</p>")
}

func TestSMTPSender_FailureIsTransient(t *testing.T) {
	sender := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", From: "x@example.com"})
	sender.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("421 service not available")
	}

	err := sender.Send(context.Background(), Message{To: []string{"a@example.com"}, HTML: "<p>x</p>"})
	assert.True(t, faults.IsTransient(err))

	err = sender.Send(context.Background(), Message{HTML: "<p>x</p>"})
	assert.True(t, faults.IsKind(err, faults.KindInvalidInput))
}

func TestNotifier_RequestReview(t *testing.T) {
	rec := &RecordingSender{}
	n := NewNotifier(rec, []string{"reviewer@example.com", " "}, nil, "http://localhost:8080/human-review/decision")

	sent, err := n.RequestReview(context.Background(), ReviewEmail{
		RunID: "run-1",
		Summary: types.CaseSummary{
			CaseID:          "CASE-1",
			CustomerName:    "Acme <Corp>",
			CustomerSegment: "Premium",
			DisputeType:     "Billing Error",
			Amount:          50,
		},
		Proposal: types.ResolutionProposal{Action: types.ActionFullRefund, Amount: 50, Reason: "Small disputed charge", Confidence: 0.8, RiskLevel: types.RiskLow},
	})
	require.NoError(t, err)
	assert.True(t, sent)

	msgs := rec.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"reviewer@example.com"}, msgs[0].To)
	assert.Equal(t, "Dispute Approval Required - Case CASE-1", msgs[0].Subject)
	assert.Contains(t, msgs[0].HTML, "Acme &lt;Corp&gt;")
	assert.Contains(t, msgs[0].HTML, "80%")
	assert.Contains(t, msgs[0].HTML, "run-1")
	assert.True(t, strings.Contains(msgs[0].HTML, "$50.00"))
}

func TestNotifier_NoRecipients(t *testing.T) {
	rec := &RecordingSender{}
	n := NewNotifier(rec, nil, nil, "")

	sent, err := n.RequestReview(context.Background(), ReviewEmail{})
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = n.ResolutionCompleted(context.Background(), CompletionEmail{})
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, rec.Messages())
}

func TestNotifier_ResolutionCompleted(t *testing.T) {
	rec := &RecordingSender{}
	n := NewNotifier(rec, nil, []string{"finance@example.com"}, "")

	sent, err := n.ResolutionCompleted(context.Background(), CompletionEmail{
		RunID: "run-1", CaseID: "CASE-1", CustomerName: "Acme", Status: "approved",
		Action: types.ActionFullRefund, Amount: 50, RefundID: "re_1",
	})
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Contains(t, rec.Messages()[0].HTML, "re_1")

	rec.Err = faults.Transient("smtp", errors.New("down"))
	_, err = n.ResolutionCompleted(context.Background(), CompletionEmail{CaseID: "CASE-2"})
	assert.True(t, faults.IsTransient(err))
}
