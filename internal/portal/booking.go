package portal

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Reason explains why a booking was not confirmed.
type Reason string

const (
	ReasonNone                        Reason = ""
	ReasonSlotGone                    Reason = "slot_gone"
	ReasonServerProblem               Reason = "server_problem"
	ReasonSessionExpiredDuringBooking Reason = "session_expired_during_booking"
	ReasonCsrfExpired                 Reason = "csrf_expired"
	ReasonSessionExpired              Reason = "session_expired"
	ReasonHTTPError                   Reason = "http_error"
	ReasonFormNotProcessed            Reason = "form_not_processed"
	ReasonAmbiguous                   Reason = "ambiguous"
)

// SessionExpired reports whether a re-login should precede the next attempt.
func (r Reason) SessionExpired() bool {
	return r == ReasonSessionExpired || r == ReasonSessionExpiredDuringBooking
}

// BookingResult is the outcome of one booking submission. Success and
// Verified are only ever true together.
type BookingResult struct {
	Success    bool
	Verified   bool
	Date       time.Time
	Time       string
	FacilityID string
	Reason     Reason
	Status     int
}

func (r BookingResult) Failure() string {
	switch {
	case r.Success:
		return ""
	case r.Reason == ReasonHTTPError || r.Reason == ReasonSessionExpired:
		return fmt.Sprintf("%s(%d)", r.Reason, r.Status)
	default:
		return string(r.Reason)
	}
}

var (
	confirmMarkers = [][]byte{
		[]byte("successfully scheduled"),
		[]byte("successfully booked"),
	}
	slotGoneMarkers      = [][]byte{[]byte("no longer available")}
	serverProblemMarkers = [][]byte{[]byte("could not be processed"), []byte("problem")}
)

// ClassifyBooking maps a booking response to a Reason. ReasonNone is
// returned only for an explicit confirmation.
func ClassifyBooking(status int, body []byte) Reason {
	lower := bytes.ToLower(body)
	switch {
	case containsAny(lower, confirmMarkers):
		return ReasonNone
	case containsAny(lower, slotGoneMarkers):
		return ReasonSlotGone
	case containsAny(lower, serverProblemMarkers):
		return ReasonServerProblem
	case hasSignInMarker(body):
		return ReasonSessionExpiredDuringBooking
	case status == http.StatusUnprocessableEntity:
		return ReasonCsrfExpired
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonSessionExpired
	case status < 200 || status >= 300:
		return ReasonHTTPError
	case bytes.Contains(body, []byte(facilitySelectID)) || bytes.Contains(body, []byte(facilityFieldName)):
		return ReasonFormNotProcessed
	}
	return ReasonAmbiguous
}

func containsAny(b []byte, markers [][]byte) bool {
	for _, m := range markers {
		if bytes.Contains(b, m) {
			return true
		}
	}
	return false
}

// SubmitBooking posts the booking form. On a retry (attempt > 1) or without
// a cached token it first reloads the appointment page for a fresh token.
//
// Once the POST is sent it is not abandoned when ctx is canceled; the
// per-request timeout still applies.
func (c *Client) SubmitBooking(ctx context.Context, facilityID string, date time.Time, slot string, attempt int) (BookingResult, error) {
	res := BookingResult{Date: date, Time: slot, FacilityID: facilityID}

	if attempt > 1 || c.token() == "" {
		if err := c.refreshToken(ctx); err != nil {
			return res, err
		}
	}
	tok := c.token()

	form := url.Values{}
	form.Set("authenticity_token", tok)
	form.Set("confirmed_limit_message", "1")
	form.Set("use_consulate_appointment_capacity", "true")
	form.Set("appointments[consulate_appointment][facility_id]", facilityID)
	form.Set("appointments[consulate_appointment][date]", date.Format(dateLayout))
	form.Set("appointments[consulate_appointment][time]", slot)

	h := c.formHeader(c.paths.Appointment)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("X-CSRF-Token", tok)

	resp, err := c.Request(context.WithoutCancel(ctx), http.MethodPost, c.paths.Appointment, h, []byte(form.Encode()))
	if err != nil {
		return res, err
	}
	res.Status = resp.Status
	res.Reason = ClassifyBooking(resp.Status, resp.Body)
	if res.Reason == ReasonNone {
		res.Success, res.Verified = true, true
	}
	c.setToken(ExtractToken(resp.Body))
	return res, nil
}

func (c *Client) refreshToken(ctx context.Context) error {
	resp, err := c.Request(ctx, http.MethodGet, c.paths.Appointment, c.htmlHeader(), nil)
	if err != nil {
		return err
	}
	if isSignInPath(resp.URL.Path) {
		return ErrSessionExpired
	}
	if err := statusError(resp); err != nil {
		return err
	}
	tok := ExtractToken(resp.Body)
	if tok == "" {
		return fmt.Errorf("%w: no token on appointment page", ErrCsrfExpired)
	}
	c.setToken(tok)
	return nil
}
