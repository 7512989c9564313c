// Package client is the SpotBot Go SDK.
//
// # Checking an address
//
//	c := client.MustNew("https://spotbot.example.com", client.WithCacheTTL(30*time.Second))
//	v, err := c.Check(ctx, "203.0.113.7")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if v.IsBot {
//	    // block or challenge the request
//	}
//
// # Reporting a bot
//
// Reports require an API key (issued at registration) or a session token:
//
//	c := client.MustNew(baseURL, client.WithAPIKey(os.Getenv("SPOTBOT_API_KEY")))
//	res, err := c.Report(ctx, client.ReportRequest{
//	    IPAddress: "203.0.113.7",
//	    BotType:   "scraper",
//	    EvidenceData: map[string]any{
//	        "requestFrequency": 42,
//	        "requestPattern":   "sequential",
//	    },
//	})
//
// # Errors
//
// Non-2xx responses are returned as *APIError. IsRetryable reports whether the
// server marked the failure as transient (503 with "retryable": true, or 429).
package client
