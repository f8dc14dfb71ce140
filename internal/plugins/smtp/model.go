// Package smtp delivers outgoing account mail (password recovery) through
// an SMTP relay configured from the environment. When no relay is
// configured, mail is written to the structured log instead so local
// development works without a mail server.
package smtp

// Settings is the admin-facing view of the mail configuration. The
// password is never included.
type Settings struct {
	Enabled     bool   `json:"enabled"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	HasPassword bool   `json:"hasPassword"`
	FromAddress string `json:"fromAddress"`
	FromName    string `json:"fromName"`
	Encryption  string `json:"encryption"`
}
