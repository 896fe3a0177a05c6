package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rentora/propaccess/internal/security/auth"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "check":
		runCheck(args)
	case "audit":
		handleAudit(args)
	case "findings":
		handleFindings(args)
	case "token":
		mintToken(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func handleAudit(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: accessctl audit <run|report>")
		return
	}

	subCmd := args[0]
	switch subCmd {
	case "run":
		runAudit(args[1:])
	case "report":
		auditReport(args[1:])
	default:
		fmt.Printf("unknown audit command: %s\n", subCmd)
	}
}

func handleFindings(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: accessctl findings <tail>")
		return
	}

	subCmd := args[0]
	switch subCmd {
	case "tail":
		tailFindings(args[1:])
	default:
		fmt.Printf("unknown findings command: %s\n", subCmd)
	}
}

// runCheck probes the decision engine through auditord's diagnostic
// endpoint. An empty -user shows the unauthenticated denial.
func runCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	user := fs.String("user", "", "user id (uuid, empty probes the unauthenticated path)")
	property := fs.String("property", "", "property id (uuid)")
	capability := fs.String("capability", "view", "capability to test")

	fs.Parse(args)

	if *property == "" {
		fmt.Println("Error: -property is required")
		fs.PrintDefaults()
		return
	}

	payload := map[string]string{
		"user_id":     *user,
		"property_id": *property,
		"capability":  *capability,
	}
	data, _ := json.Marshal(payload)

	req, _ := http.NewRequest(http.MethodPost, getAPIURL()+"/v1/access/check", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	addAuthHeader(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var result struct {
		Decision struct {
			Allowed    bool   `json:"allowed"`
			Reason     string `json:"reason,omitempty"`
			Role       string `json:"role,omitempty"`
			Consistent bool   `json:"consistent"`
		} `json:"decision"`
		CheckedAt string `json:"checked_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Printf("✗ Check failed: HTTP %d\n", resp.StatusCode)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ALLOWED\tREASON\tROLE\tCONSISTENT")
	fmt.Fprintf(w, "%v\t%s\t%s\t%v\n",
		result.Decision.Allowed,
		orDash(result.Decision.Reason),
		orDash(result.Decision.Role),
		result.Decision.Consistent,
	)
	w.Flush()

	if resp.StatusCode == http.StatusServiceUnavailable {
		fmt.Println("⚠ decision failed closed: membership store unavailable")
	}
}

func runAudit(args []string) {
	_ = args
	req, _ := http.NewRequest(http.MethodPost, getAPIURL()+"/v1/audit/run", nil)
	req.Header.Set("Content-Type", "application/json")
	addAuthHeader(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Printf("✗ Audit scan failed: HTTP %d\n", resp.StatusCode)
		return
	}
	printReport(resp)
}

func auditReport(args []string) {
	_ = args
	req, _ := http.NewRequest(http.MethodGet, getAPIURL()+"/v1/audit/report", nil)
	addAuthHeader(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		fmt.Println("No completed scan yet")
		return
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("✗ Report fetch failed: HTTP %d\n", resp.StatusCode)
		return
	}
	printReport(resp)
}

func printReport(resp *http.Response) {
	var report struct {
		StartedAt          time.Time `json:"started_at"`
		Duration           int64     `json:"duration"`
		PropertiesScanned  int       `json:"properties_scanned"`
		ExpiredInvitations int64     `json:"expired_invitations"`
		ExpiredMemberships int64     `json:"expired_memberships"`
		Findings           []struct {
			PropertyID string            `json:"property_id"`
			Type       string            `json:"finding_type"`
			Details    map[string]string `json:"details,omitempty"`
		} `json:"findings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("Scan started:         %s\n", report.StartedAt.Format(time.RFC3339))
	fmt.Printf("Duration:             %s\n", time.Duration(report.Duration))
	fmt.Printf("Properties scanned:   %d\n", report.PropertiesScanned)
	fmt.Printf("Expired invitations:  %d\n", report.ExpiredInvitations)
	fmt.Printf("Expired memberships:  %d\n", report.ExpiredMemberships)
	fmt.Printf("Findings:             %d\n", len(report.Findings))

	if len(report.Findings) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROPERTY\tTYPE\tDETAILS")
	for _, f := range report.Findings {
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.PropertyID, f.Type, formatDetails(f.Details))
	}
	w.Flush()
}

// tailFindings follows the live findings feed over the websocket
// endpoint until interrupted.
func tailFindings(args []string) {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	replay := fs.Int("replay", 50, "number of recent findings to replay before going live")

	fs.Parse(args)

	u, err := url.Parse(getAPIURL() + "/v1/findings/stream")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("replay", strconv.Itoa(*replay))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if token := os.Getenv("PROPACCESS_TOKEN"); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer ws.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.Close()
	}()

	fmt.Println("Tailing findings (Ctrl-C to stop)...")
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			fmt.Printf("stream closed: %v\n", err)
			return
		}

		var f struct {
			PropertyID string            `json:"property_id"`
			Type       string            `json:"finding_type"`
			Details    map[string]string `json:"details,omitempty"`
			DetectedAt string            `json:"detected_at"`
			Replay     bool              `json:"replay,omitempty"`
		}
		if err := json.Unmarshal(msg, &f); err != nil {
			fmt.Println(string(msg))
			continue
		}
		marker := " "
		if f.Replay {
			marker = "↺"
		}
		fmt.Printf("%s %s  %-32s  property=%s  %s\n", marker, f.DetectedAt, f.Type, f.PropertyID, formatDetails(f.Details))
	}
}

// mintToken signs an operator token locally from the shared secret, for
// bootstrapping access to the protected endpoints.
func mintToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "operator user id to embed in the token")
	email := fs.String("email", "", "operator email (optional)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")

	fs.Parse(args)

	if *user == "" {
		fmt.Println("Error: -user is required")
		fs.PrintDefaults()
		return
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Println("Error: JWT_SECRET is not set; the token must be signed with auditord's secret")
		return
	}

	tm := auth.NewTokenManager(secret, "propaccess")
	token, err := tm.GenerateToken(*user, *email, *ttl)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println(token)
}

// Helper functions
func getAPIURL() string {
	if u := os.Getenv("PROPACCESS_API"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func addAuthHeader(req *http.Request) {
	if token := os.Getenv("PROPACCESS_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func formatDetails(details map[string]string) string {
	if len(details) == 0 {
		return "-"
	}
	out := ""
	for k, v := range details {
		if out != "" {
			out += " "
		}
		out += k + "=" + v
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printUsage() {
	fmt.Print(`accessctl — propaccess operator CLI

Usage:
  accessctl <command> [options]

Commands:
  check      Probe an authorization decision (-user, -property, -capability)
  audit      Consistency audit operations (run, report)
  findings   Findings feed operations (tail)
  token      Mint an operator token from JWT_SECRET (-user, -email, -ttl)
  help       Show this help message

Environment Variables:
  PROPACCESS_API      auditord endpoint (default: http://localhost:8080)
  PROPACCESS_TOKEN    bearer token for protected endpoints
  JWT_SECRET          shared signing secret, used only by 'token'

Examples:
  accessctl token -user ops-jordan > /tmp/token && export PROPACCESS_TOKEN=$(cat /tmp/token)
  accessctl check -user 6f1c... -property 9a2e... -capability edit_property
  accessctl audit run
  accessctl findings tail -replay 100
`)
}
