package notify

import (
	"context"
	"unicode/utf8"
)

const smsMaxLength = 160

// SMSGateway delivers SMS messages as email to a carrier gateway mailbox
// (e.g. 5551234567@txt.example.net). The recipient address already names the
// gateway; this type only truncates to SMS length and drops the subject,
// which gateways ignore or prepend.
type SMSGateway struct {
	mailer *Mailer
}

func NewSMSGateway(mailer *Mailer) *SMSGateway {
	return &SMSGateway{mailer: mailer}
}

func (g *SMSGateway) SendSMS(ctx context.Context, address, message string) error {
	return g.mailer.SendEmail(ctx, address, "", truncateSMS(message))
}

// truncateSMS cuts a message down to the SMS length budget without
// splitting a multi-byte rune at the cut point.
func truncateSMS(message string) string {
	if len(message) <= smsMaxLength {
		return message
	}
	cut := smsMaxLength - 3
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut] + "..."
}
