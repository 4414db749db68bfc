package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func regenerateCmd(args []string) {
	fs := flag.NewFlagSet("regenerate", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	token := fs.String("token", "", "admin bearer token (loopback needs none)")
	world := fs.String("world", "", "world id")
	typ := fs.String("type", "", "structure type")
	_ = fs.Parse(args)

	if strings.TrimSpace(*world) == "" || strings.TrimSpace(*typ) == "" {
		fmt.Fprintln(os.Stderr, "missing -world or -type")
		os.Exit(2)
	}
	body, _ := json.Marshal(map[string]string{"world": *world, "structure_type": *typ})
	adminPost(*baseURL, "/admin/v1/regenerate", *token, body)
}

func initializeCmd(args []string) {
	fs := flag.NewFlagSet("initialize", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	token := fs.String("token", "", "admin bearer token (loopback needs none)")
	_ = fs.Parse(args)

	adminPost(*baseURL, "/admin/v1/initialize", *token, nil)
}

func adminPost(baseURL, path, token string, body []byte) {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	req, _ := http.NewRequest(http.MethodPost, u, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if t := strings.TrimSpace(token); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
