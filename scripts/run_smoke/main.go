package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// Drives a continuation run end to end against a live instance: create,
// send, force the deadline, process, then request a summary export. Meant
// for staging smoke checks after a deploy, not for production data.

type step struct {
	Name     string
	Method   string
	Path     string
	Body     map[string]interface{}
	Expect   int
	Duration time.Duration
	Status   int
	Error    error
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

func main() {
	var (
		base          string
		email         string
		password      string
		currentTermID string
		nextTermID    string
		deadline      string
		timeout       time.Duration
	)

	flag.StringVar(&base, "base", "http://localhost:8080", "API base URL")
	flag.StringVar(&email, "email", "", "Staff login email")
	flag.StringVar(&password, "password", "", "Staff login password")
	flag.StringVar(&currentTermID, "current-term", "", "Current term ID")
	flag.StringVar(&nextTermID, "next-term", "", "Next term ID")
	flag.StringVar(&deadline, "deadline", "", "Notice deadline (YYYY-MM-DD)")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "HTTP client timeout")
	flag.Parse()

	if email == "" || password == "" || currentTermID == "" || nextTermID == "" || deadline == "" {
		log.Fatal("email, password, current-term, next-term and deadline are required")
	}

	client := &http.Client{Timeout: timeout}

	token, err := login(client, base, email, password)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}

	runID, createStep := createRun(client, base, token, currentTermID, nextTermID, deadline)
	steps := []step{createStep}
	if createStep.Error == nil {
		steps = append(steps,
			execute(client, base, token, step{Name: "send notices", Method: http.MethodPost,
				Path: fmt.Sprintf("/api/v1/continuation/runs/%s/send", runID), Expect: http.StatusOK}),
			execute(client, base, token, step{Name: "force deadline", Method: http.MethodPost,
				Path: fmt.Sprintf("/api/v1/continuation/runs/%s/deadline?force=true", runID), Expect: http.StatusOK}),
			execute(client, base, token, step{Name: "process run", Method: http.MethodPost,
				Path: fmt.Sprintf("/api/v1/continuation/runs/%s/process", runID), Expect: http.StatusOK,
				Body: map[string]interface{}{"process_type": "all"}}),
			execute(client, base, token, step{Name: "fetch summary", Method: http.MethodGet,
				Path: fmt.Sprintf("/api/v1/continuation/runs/%s", runID), Expect: http.StatusOK}),
			execute(client, base, token, step{Name: "queue export", Method: http.MethodPost,
				Path: "/api/v1/continuation/exports", Expect: http.StatusAccepted,
				Body: map[string]interface{}{"type": "summary", "format": "csv", "run_id": runID}}),
		)
	}

	failures := printReport(steps)
	if failures > 0 {
		os.Exit(1)
	}
}

func login(client *http.Client, base, email, password string) (string, error) {
	payload, _ := json.Marshal(map[string]string{"email": email, "password": password})
	resp, err := client.Post(strings.TrimRight(base, "/")+"/api/v1/auth/login",
		"application/json", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", err
	}
	var data struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", err
	}
	if data.AccessToken == "" {
		return "", fmt.Errorf("no access token in response")
	}
	return data.AccessToken, nil
}

func createRun(client *http.Client, base, token, currentTermID, nextTermID, deadline string) (string, step) {
	s := step{Name: "create run", Method: http.MethodPost, Path: "/api/v1/continuation/runs",
		Expect: http.StatusCreated,
		Body: map[string]interface{}{
			"current_term_id": currentTermID,
			"next_term_id":    nextTermID,
			"notice_deadline": deadline,
		}}
	body, done := request(client, base, token, &s)
	if done {
		return "", s
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.Error = fmt.Errorf("decode create response: %w", err)
		return "", s
	}
	var data struct {
		Run struct {
			ID string `json:"id"`
		} `json:"run"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		s.Error = fmt.Errorf("decode run payload: %w", err)
		return "", s
	}
	if data.Run.ID == "" {
		s.Error = fmt.Errorf("create response carries no run id")
	}
	return data.Run.ID, s
}

func execute(client *http.Client, base, token string, s step) step {
	request(client, base, token, &s)
	return s
}

func request(client *http.Client, base, token string, s *step) ([]byte, bool) {
	var reader io.Reader
	if s.Body != nil {
		payload, err := json.Marshal(s.Body)
		if err != nil {
			s.Error = err
			return nil, true
		}
		reader = bytes.NewReader(payload)
	}

	url := strings.TrimRight(base, "/") + s.Path
	req, err := http.NewRequest(s.Method, url, reader)
	if err != nil {
		s.Error = err
		return nil, true
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if s.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := client.Do(req)
	s.Duration = time.Since(start)
	if err != nil {
		s.Error = err
		return nil, true
	}
	defer resp.Body.Close()

	s.Status = resp.StatusCode
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.Error = fmt.Errorf("read body: %w", err)
		return nil, true
	}
	if resp.StatusCode != s.Expect {
		s.Error = fmt.Errorf("expected status %d, got %d: %s", s.Expect, resp.StatusCode, truncate(body))
		return body, true
	}
	return body, false
}

func truncate(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		return text[:200] + "..."
	}
	return text
}

func printReport(steps []step) int {
	fmt.Println("Continuation Smoke Report")
	fmt.Println("=========================")
	failures := 0
	for _, s := range steps {
		status := "OK"
		if s.Error != nil {
			status = "FAIL"
			failures++
		}
		fmt.Printf("[%s] %s (%s %s)\n", status, s.Name, s.Method, s.Path)
		fmt.Printf("  Status: %d (%s)\n", s.Status, s.Duration)
		if s.Error != nil {
			fmt.Printf("  Error: %v\n", s.Error)
		}
	}
	fmt.Printf("Failures: %d\n", failures)
	return failures
}
