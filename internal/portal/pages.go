package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/example/appt-scheduler/internal/jobs"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	facilitySelectID  = "appointments_consulate_appointment_facility_id"
	facilityFieldName = "appointments[consulate_appointment][facility_id]"
	jsonAccept        = "application/json, text/javascript, */*; q=0.01"
	dateLayout        = jobs.DateLayout
)

// AvailabilityDate is one open day reported by the site.
type AvailabilityDate struct {
	Date        time.Time
	BusinessDay bool
}

// FetchFacilities loads the appointment page and lists the facility options.
// The page's anti-forgery token replaces the session token when present.
func (c *Client) FetchFacilities(ctx context.Context) ([]jobs.FacilityLocation, error) {
	resp, err := c.Request(ctx, http.MethodGet, c.paths.Appointment, c.htmlHeader(), nil)
	if err != nil {
		return nil, err
	}
	if isSignInPath(resp.URL.Path) {
		return nil, ErrSessionExpired
	}
	if err := statusError(resp); err != nil {
		return nil, err
	}
	c.setToken(ExtractToken(resp.Body))

	list, err := ParseFacilities(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 && hasSignInMarker(resp.Body) {
		return nil, ErrSessionExpired
	}
	return list, nil
}

// ParseFacilities reads the options of the facility <select>. Options with
// an empty value (placeholders) are skipped.
func ParseFacilities(body []byte) ([]jobs.FacilityLocation, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, parseError("appointment page", err)
	}
	var sel *html.Node
	walk(doc, func(n *html.Node) bool {
		if n.DataAtom == atom.Select && (attr(n, "id") == facilitySelectID || attr(n, "name") == facilityFieldName) {
			sel = n
			return false
		}
		return true
	})
	if sel == nil {
		return nil, nil
	}
	var out []jobs.FacilityLocation
	walk(sel, func(n *html.Node) bool {
		if n.DataAtom == atom.Option {
			if v := attr(n, "value"); v != "" {
				out = append(out, jobs.FacilityLocation{ID: v, Name: nodeText(n)})
			}
		}
		return true
	})
	return out, nil
}

// FetchOpenDays lists open days for one facility, ascending.
func (c *Client) FetchOpenDays(ctx context.Context, facilityID string) ([]AvailabilityDate, error) {
	q := url.Values{}
	q.Set("appointments[expedite]", "false")
	path := c.paths.Appointment + "/days/" + url.PathEscape(facilityID) + ".json?" + q.Encode()

	resp, err := c.jsonGet(ctx, path)
	if err != nil {
		return nil, err
	}
	days, err := ParseOpenDays(resp.Body)
	if err != nil {
		if hasSignInMarker(resp.Body) {
			return nil, ErrSessionExpired
		}
		return nil, err
	}
	return days, nil
}

// FetchOpenTimes lists the open slots of one facility on date.
func (c *Client) FetchOpenTimes(ctx context.Context, facilityID string, date time.Time) ([]string, error) {
	q := url.Values{}
	q.Set("date", date.Format(dateLayout))
	q.Set("appointments[expedite]", "false")
	path := c.paths.Appointment + "/times/" + url.PathEscape(facilityID) + ".json?" + q.Encode()

	resp, err := c.jsonGet(ctx, path)
	if err != nil {
		return nil, err
	}
	slots, err := ParseOpenTimes(resp.Body)
	if err != nil {
		if hasSignInMarker(resp.Body) {
			return nil, ErrSessionExpired
		}
		return nil, err
	}
	return slots, nil
}

func (c *Client) jsonGet(ctx context.Context, path string) (*Response, error) {
	resp, err := c.Request(ctx, http.MethodGet, path, c.xhrHeader(jsonAccept), nil)
	if err != nil {
		return nil, err
	}
	if isSignInPath(resp.URL.Path) {
		return nil, ErrSessionExpired
	}
	if err := statusError(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

type dayJSON struct {
	Date        string `json:"date"`
	BusinessDay bool   `json:"business_day"`
}

// ParseOpenDays decodes the days endpoint: a JSON array of
// {"date":"YYYY-MM-DD","business_day":bool}. Entries with unparsable dates
// fail the whole body.
func ParseOpenDays(body []byte) ([]AvailabilityDate, error) {
	var raw []dayJSON
	if err := json.Unmarshal(bytes.TrimSpace(body), &raw); err != nil {
		return nil, parseError("open days", err)
	}
	out := make([]AvailabilityDate, 0, len(raw))
	for _, d := range raw {
		t, err := jobs.ParseDate(d.Date)
		if err != nil {
			return nil, parseError("open day "+d.Date, err)
		}
		out = append(out, AvailabilityDate{Date: t, BusinessDay: d.BusinessDay})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// ParseOpenTimes decodes the times endpoint, which answers either a bare
// array of "HH:MM" strings or an object with an available_times array.
func ParseOpenTimes(body []byte) ([]string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, parseError("open times: empty body", nil)
	}
	var list []*string
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, parseError("open times", err)
		}
	case '{':
		var obj struct {
			AvailableTimes *json.RawMessage `json:"available_times"`
		}
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, parseError("open times", err)
		}
		if obj.AvailableTimes == nil {
			return nil, parseError("open times: no available_times", nil)
		}
		if err := json.Unmarshal(*obj.AvailableTimes, &list); err != nil {
			return nil, parseError("open times", err)
		}
	default:
		return nil, parseError("open times: not json", nil)
	}
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != nil && *s != "" {
			out = append(out, *s)
		}
	}
	return out, nil
}
