package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cync-lan/cync-lan/internal/infrastructure/config"
)

// Logger is the minimal logging interface the exporter needs.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

// Vendor API constants. The corp id is fixed for the consumer product
// line and appears in every auth request.
const (
	DefaultAPIBaseURL = "https://api.gelighting.com"

	corpID = "1007d2ad150c4000"

	cloudRequestTimeout = 30 * time.Second
)

// CloudAPI is the vendor cloud surface the HTTP server drives. Split
// out so tests can substitute a fake cloud.
type CloudAPI interface {
	// RequestOTP asks the cloud to e-mail a one-time code.
	RequestOTP(ctx context.Context, email string) error

	// Login exchanges email, password and the OTP code for a bearer
	// token.
	Login(ctx context.Context, email, password, code string) (Token, error)

	// Export pulls the account's device and group topology.
	Export(ctx context.Context, tok Token) (*config.AccountConfig, error)
}

// CloudClient talks to the vendor cloud API.
//
// Thread Safety: safe for concurrent use.
type CloudClient struct {
	baseURL string
	http    *http.Client
	logger  Logger
}

// NewCloudClient creates a cloud client. An empty baseURL selects the
// production endpoint.
func NewCloudClient(baseURL string, logger Logger) *CloudClient {
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &CloudClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: cloudRequestTimeout},
		logger:  logger,
	}
}

// RequestOTP asks the cloud to e-mail a one-time code to the account.
func (c *CloudClient) RequestOTP(ctx context.Context, email string) error {
	body := map[string]string{
		"corp_id":    corpID,
		"email":      email,
		"local_lang": "en-us",
	}
	return c.post(ctx, "/v2/two_factor/email/verifycode", "", body, nil)
}

// Login performs the two-step login: credentials plus the e-mailed OTP
// code. The resource field is a per-login correlation id the cloud
// echoes back in its session records.
func (c *CloudClient) Login(ctx context.Context, email, password, code string) (Token, error) {
	body := map[string]string{
		"corp_id":    corpID,
		"email":      email,
		"password":   password,
		"two_factor": code,
		"resource":   uuid.NewString(),
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		UserID      int64  `json:"user_id"`
		ExpireIn    int64  `json:"expire_in"`
	}
	if err := c.post(ctx, "/v2/user_auth/two_factor", "", body, &resp); err != nil {
		return Token{}, err
	}
	if resp.AccessToken == "" {
		return Token{}, fmt.Errorf("%w: login returned no access token", ErrCloudRejected)
	}

	c.logger.Info("cloud login succeeded", "user_id", resp.UserID)
	return Token{
		AccessToken: resp.AccessToken,
		UserID:      resp.UserID,
		ExpiresAt:   time.Now().Add(time.Duration(resp.ExpireIn) * time.Second),
	}, nil
}

// cloudHome is one entry from the account's subscribed-device list.
// Homes carry the mesh; individual bulbs hang off the home's property
// record.
type cloudHome struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	ProductID string `json:"product_id"`
	Mac       string `json:"mac"`
}

// cloudBulb is one device inside a home's property record.
type cloudBulb struct {
	DeviceID    int    `json:"deviceID"`
	DisplayName string `json:"displayName"`
	DeviceType  int    `json:"deviceType"`
	WifiMac     string `json:"wifiMac"`
	RoomName    string `json:"roomName"`
}

// cloudGroup is one group inside a home's property record.
type cloudGroup struct {
	GroupID       int    `json:"groupID"`
	DisplayName   string `json:"displayName"`
	DeviceIDArray []int  `json:"deviceIDArray"`
}

type cloudProperties struct {
	BulbsArray  []cloudBulb  `json:"bulbsArray"`
	GroupsArray []cloudGroup `json:"groupsArray"`
}

// Export pulls the account topology: the home list, then each home's
// property record holding the mesh devices and groups. The first home
// with devices becomes the account; additional homes are logged and
// skipped.
func (c *CloudClient) Export(ctx context.Context, tok Token) (*config.AccountConfig, error) {
	if !tok.valid() {
		return nil, ErrNotAuthenticated
	}

	var homes []cloudHome
	path := fmt.Sprintf("/v2/user/%d/subscribe/devices", tok.UserID)
	if err := c.get(ctx, path, tok.AccessToken, &homes); err != nil {
		return nil, fmt.Errorf("listing homes: %w", err)
	}

	for _, home := range homes {
		path := fmt.Sprintf("/v2/product/%s/device/%d/property", home.ProductID, home.ID)
		var props cloudProperties
		if err := c.get(ctx, path, tok.AccessToken, &props); err != nil {
			return nil, fmt.Errorf("fetching home %d properties: %w", home.ID, err)
		}
		if len(props.BulbsArray) == 0 {
			continue
		}

		account := buildAccount(home, props)
		c.logger.Info("exported account topology",
			"home", home.Name,
			"devices", len(account.Devices),
			"groups", len(account.Groups))

		if len(homes) > 1 {
			c.logger.Warn("multiple homes on account; exporting the first with devices",
				"selected", home.Name, "total", len(homes))
		}
		return account, nil
	}

	return nil, ErrNoDevices
}

// buildAccount maps one home's cloud property record into the local
// account configuration.
func buildAccount(home cloudHome, props cloudProperties) *config.AccountConfig {
	account := &config.AccountConfig{
		ID:   home.ID,
		Name: home.Name,
	}

	known := make(map[int]bool, len(props.BulbsArray))
	for _, bulb := range props.BulbsArray {
		// Cloud device ids embed the home id; the mesh id is the low
		// three decimal digits.
		id := bulb.DeviceID % 1000
		if id < 1 || id > 255 || known[id] {
			continue
		}
		known[id] = true

		dev := capabilitiesForType(bulb.DeviceType)
		dev.ID = id
		dev.Name = bulb.DisplayName
		dev.Room = bulb.RoomName
		dev.ModelNumber = bulb.DeviceType
		dev.WiFi = hasWifi(bulb.WifiMac)
		account.Devices = append(account.Devices, dev)
	}
	sort.Slice(account.Devices, func(i, j int) bool {
		return account.Devices[i].ID < account.Devices[j].ID
	})

	for _, g := range props.GroupsArray {
		gid := g.GroupID % 1000
		var members []int
		for _, did := range g.DeviceIDArray {
			if id := did % 1000; known[id] {
				members = append(members, id)
			}
		}
		if gid < 1 || len(members) == 0 {
			continue
		}
		account.Groups = append(account.Groups, config.GroupConfig{
			ID:      gid,
			Name:    g.DisplayName,
			Members: members,
		})
	}
	sort.Slice(account.Groups, func(i, j int) bool {
		return account.Groups[i].ID < account.Groups[j].ID
	})

	return account
}

// hasWifi reports whether the device has its own cloud uplink. Devices
// without WiFi report the vendor's placeholder MAC.
func hasWifi(mac string) bool {
	return mac != "" && mac != "00:01:02:03:04:05"
}

// post sends a JSON request and decodes the JSON response into out
// (when non-nil).
func (c *CloudClient) post(ctx context.Context, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, token, out)
}

func (c *CloudClient) get(ctx context.Context, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	return c.do(req, token, out)
}

func (c *CloudClient) do(req *http.Request, token string, out any) error {
	if token != "" {
		req.Header.Set("Access-Token", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cloud request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := cloudErrorMessage(resp.Body)
		return fmt.Errorf("%w: %s %s: status %d: %s",
			ErrCloudRejected, req.Method, req.URL.Path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding cloud response: %w", err)
	}
	return nil
}

// cloudErrorMessage extracts the error text from a vendor error body.
func cloudErrorMessage(r io.Reader) string {
	var body struct {
		Error struct {
			Msg  string `json:"msg"`
			Code int    `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&body); err != nil || body.Error.Msg == "" {
		return "no detail"
	}
	return fmt.Sprintf("%s (code %d)", body.Error.Msg, body.Error.Code)
}
