package reset

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/Torutesu/tenantauth/notify"
)

const expiryLayout = "2006-01-02 15:04:05"

var resetHTML = template.Must(template.New("reset").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; line-height: 1.6;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <h2>Password Reset Request</h2>
    <p>You have requested to reset your {{.App}} password.</p>
    <p><a href="{{.Link}}" style="display: inline-block; padding: 12px 24px; background-color: #007bff; color: white; text-decoration: none; border-radius: 4px;">Reset Password</a></p>
    <p>Or copy and paste this link into your browser:</p>
    <p>{{.Link}}</p>
    <p>This link will expire at <strong>{{.Expires}} UTC</strong>.</p>
    <p style="color: #666; font-size: 12px;">If you did not request this reset, please ignore this email. Your password will remain unchanged.</p>
  </div>
</body>
</html>`))

var confirmationHTML = template.Must(template.New("confirm").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; line-height: 1.6;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <h2>Password Reset Successful</h2>
    <p><strong>Success!</strong> Your {{.App}} password has been successfully reset.</p>
    <p><strong>Security Notice:</strong> If you did not perform this action, please contact support immediately.</p>
  </div>
</body>
</html>`))

func resetEmail(app, link string, expires time.Time) notify.Message {
	exp := expires.UTC().Format(expiryLayout)
	body := fmt.Sprintf(`You have requested to reset your %s password.

Click the link below to reset your password:
%s

This link will expire at %s UTC.

If you did not request this reset, please ignore this email.
Your password will remain unchanged.`, app, link, exp)

	return notify.Message{
		Kind:    "password_reset",
		Subject: "Password Reset Request",
		Body:    body,
		HTML:    render(resetHTML, map[string]string{"App": app, "Link": link, "Expires": exp}),
	}
}

func confirmationEmail(app string) notify.Message {
	return notify.Message{
		Kind:    "password_reset_confirmation",
		Subject: "Password Reset Successful",
		Body: fmt.Sprintf(`Your %s password has been successfully reset.

If you did not perform this action, please contact support immediately.`, app),
		HTML: render(confirmationHTML, map[string]string{"App": app}),
	}
}

// render yields "" on failure; the plain text body is still sent.
func render(t *template.Template, data any) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return ""
	}
	return buf.String()
}
