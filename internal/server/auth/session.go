package auth

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/sysmanage/sysmanage-server/common/crypto"
	"github.com/sysmanage/sysmanage-server/internal/server/faults"
)

// SessionValidity is how long a session token stays usable.
const SessionValidity = 12 * time.Hour

// sessionSeparator joins the token fields. User IDs are UUIDs and IPs never
// contain it.
const sessionSeparator = ":"

// IssueSession builds a signed session token bound to the user and the IP the
// login came from.
func (s *Service) IssueSession(userID, ip string) string {
	issued := s.now().Unix()
	body := strings.Join([]string{userID, ip, strconv.FormatInt(issued, 10)}, sessionSeparator)
	sig := crypto.SignHMAC(s.secret, []byte(body))
	return base64.URLEncoding.EncodeToString([]byte(body + sessionSeparator + sig))
}

// ValidateSession checks a token's signature and age and returns the user id
// it was issued to. The bound IP is returned so callers may log address
// changes; a changed address does not invalidate the session.
func (s *Service) ValidateSession(token string) (userID, ip string, err error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", "", faults.New(faults.Unauthenticated, "malformed session token")
	}

	parts := strings.Split(string(raw), sessionSeparator)
	if len(parts) < 4 {
		return "", "", faults.New(faults.Unauthenticated, "malformed session token")
	}
	// The IP portion may itself contain separators (IPv6); the signature is
	// the last field and the timestamp the one before it.
	sig := parts[len(parts)-1]
	tsField := parts[len(parts)-2]
	userID = parts[0]
	ip = strings.Join(parts[1:len(parts)-2], sessionSeparator)

	body := strings.Join(parts[:len(parts)-1], sessionSeparator)
	if !crypto.VerifyHMAC(s.secret, []byte(body), sig) {
		return "", "", faults.New(faults.Unauthenticated, "invalid session signature")
	}

	issued, err := strconv.ParseInt(tsField, 10, 64)
	if err != nil {
		return "", "", faults.New(faults.Unauthenticated, "malformed session token")
	}
	if s.now().Sub(time.Unix(issued, 0)) > SessionValidity {
		return "", "", faults.New(faults.Unauthenticated, "session expired")
	}
	if userID == "" {
		return "", "", faults.New(faults.Unauthenticated, "malformed session token")
	}
	return userID, ip, nil
}
