package utils

import (
	"context"
	"fmt"
	"html"
	"time"

	"remittance_back/models"

	"github.com/mailjet/mailjet-apiv3-go/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

type Mail struct {
	To      string
	ToName  string
	Subject string
	HTML    string
}

type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

// MailjetMailer отправляет письма через Mailjet
type MailjetMailer struct {
	client    *mailjet.Client
	fromEmail string
	fromName  string
}

func NewMailjetMailer(apiKey, secretKey, fromEmail, fromName string) (*MailjetMailer, error) {
	if apiKey == "" || secretKey == "" {
		return nil, errors.New("MAILJET_API_KEY or MAILJET_SECRET_KEY is not set")
	}
	return &MailjetMailer{
		client:    mailjet.NewMailjetClient(apiKey, secretKey),
		fromEmail: fromEmail,
		fromName:  fromName,
	}, nil
}

func (m *MailjetMailer) Send(_ context.Context, mail Mail) error {
	messages := &mailjet.MessagesV31{Info: []mailjet.InfoMessagesV31{
		{
			From: &mailjet.RecipientV31{Email: m.fromEmail, Name: m.fromName},
			To: &mailjet.RecipientsV31{
				{Email: mail.To, Name: mail.ToName},
			},
			Subject:  mail.Subject,
			HTMLPart: mail.HTML,
		},
	}}
	_, err := m.client.SendMailV31(messages)
	return errors.Wrap(err, "mailjet send")
}

// SMTPMailer отправка через обычный SMTP (например, пароль приложения Gmail)
type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

func NewSMTPMailer(host string, port int, username, password, from string) *SMTPMailer {
	if from == "" {
		from = username
	}
	return &SMTPMailer{dialer: gomail.NewDialer(host, port, username, password), from: from}
}

func (m *SMTPMailer) Send(_ context.Context, mail Mail) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetAddressHeader("To", mail.To, mail.ToName)
	msg.SetHeader("Subject", mail.Subject)
	msg.SetBody("text/html", mail.HTML)
	return errors.Wrap(m.dialer.DialAndSend(msg), "smtp send")
}

// TransferNotifier пишет получателю, когда перевод завершён или не прошёл.
// Ошибки отправки только логируются.
type TransferNotifier struct {
	mailer  Mailer
	timeout time.Duration
	// sync sends inline; used by tests
	sync bool
}

func NewTransferNotifier(mailer Mailer) *TransferNotifier {
	return &TransferNotifier{mailer: mailer, timeout: 30 * time.Second}
}

func (n *TransferNotifier) TransferSettled(ctx context.Context, t models.Transfer) {
	if t.RecipientEmail == nil || *t.RecipientEmail == "" {
		return
	}
	mail, ok := TransferMail(t)
	if !ok {
		return
	}

	send := func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()
		log := logrus.WithFields(logrus.Fields{"component": "mail", "transfer_id": t.ID, "status": t.Status})
		if err := n.mailer.Send(sendCtx, mail); err != nil {
			log.Errorf("failed to send transfer notification: %s", err)
			return
		}
		log.Info("transfer notification sent")
	}
	if n.sync {
		send()
		return
	}
	go send()
}

// TransferMail собирает письмо для терминального статуса
func TransferMail(t models.Transfer) (Mail, bool) {
	var title, text string
	switch t.Status {
	case models.StatusCompleted:
		title = "Перевод зачислен"
		text = fmt.Sprintf("Вам отправлено %s %s.", t.DestinationAmount.StringFixed(2), t.DestinationCurrency)
	case models.StatusFailed:
		title = "Перевод не выполнен"
		text = "Перевод не удалось выполнить. Отправитель получит уведомление."
	default:
		return Mail{}, false
	}
	ref := ""
	if t.SettlementReference != nil {
		ref = *t.SettlementReference
	}

	body := fmt.Sprintf(`<body style="margin:0;padding:0;background:#f6f6f6;">
  <table width="100%%" cellpadding="0" cellspacing="0" border="0" style="max-width:600px;background:#f3f2f0;border-radius:28px;">
    <tr>
      <td style="padding:32px;text-align:left;font-family:Arial,sans-serif;">
        <h1 style="margin:0 0 12px 0;font-size:28px;color:#111;">%s</h1>
        <p style="margin:0 0 24px 0;font-size:18px;color:#222;">%s, %s</p>
        <table cellpadding="0" cellspacing="0" border="0" style="width:100%%;">
          <tr>
            <td style="font-size:16px;color:#555;padding:6px 0;">Номер перевода:</td>
            <td style="font-size:16px;color:#111;font-weight:bold;padding:6px 0;">%s</td>
          </tr>
          <tr>
            <td style="font-size:16px;color:#555;padding:6px 0;">Референс:</td>
            <td style="font-size:16px;color:#111;font-weight:bold;padding:6px 0;">%s</td>
          </tr>
        </table>
      </td>
    </tr>
  </table>
</body>`, title, html.EscapeString(t.RecipientName), text, t.ID, html.EscapeString(ref))

	return Mail{
		To:      *t.RecipientEmail,
		ToName:  t.RecipientName,
		Subject: title,
		HTML:    body,
	}, true
}
