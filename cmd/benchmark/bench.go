// Load driver for the publishing API. Points vegeta at a running publisher
// and mixes listing reads with usage-report writes, the two hot management
// paths.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	vegeta "github.com/tsenart/vegeta/v12/lib"
)

func main() {
	target := flag.String("target", "http://localhost:8080", "Base URL of the publisher")
	duration := flag.Duration("duration", 10*time.Second, "Duration of the test")
	rate := flag.Int("rate", 50, "Requests per second")
	tenantID := flag.String("tenant", "tenant-a", "Tenant identity to attack with")
	model := flag.String("model", "sklearn-iris", "Model name for usage reports")
	flag.Parse()

	token := forgeToken(*tenantID)
	header := http.Header{
		"Authorization": []string{"Bearer " + token},
		"Content-Type":  []string{"application/json"},
	}

	listTarget := vegeta.Target{
		Method: http.MethodGet,
		URL:    *target + "/api/v1/published-models",
		Header: header,
	}

	reportBody, _ := json.Marshal(map[string]interface{}{
		"tenant":  *tenantID,
		"model":   *model,
		"tokens":  128,
		"success": true,
	})
	reportTarget := vegeta.Target{
		Method: http.MethodPost,
		URL:    *target + "/api/v1/internal/usage",
		Header: header,
		Body:   reportBody,
	}

	// 70/30 read/write mix
	targeter := func(t *vegeta.Target) error {
		if rand.Intn(10) < 7 {
			*t = listTarget
		} else {
			*t = reportTarget
		}
		return nil
	}

	attacker := vegeta.NewAttacker()
	pacer := vegeta.Rate{Freq: *rate, Per: time.Second}

	var metrics vegeta.Metrics
	for res := range attacker.Attack(targeter, pacer, *duration, "publishing-api") {
		metrics.Add(res)
	}
	metrics.Close()

	fmt.Printf("Requests:  %d\n", metrics.Requests)
	fmt.Printf("Success:   %.2f%%\n", metrics.Success*100)
	fmt.Printf("Mean:      %s\n", metrics.Latencies.Mean)
	fmt.Printf("P95:       %s\n", metrics.Latencies.P95)
	fmt.Printf("P99:       %s\n", metrics.Latencies.P99)
	fmt.Printf("Max:       %s\n", metrics.Latencies.Max)
	for code, count := range metrics.StatusCodes {
		fmt.Printf("  [%s] %d\n", code, count)
	}
}

// forgeToken builds an unsigned gateway-shaped token. The publisher trusts
// the gateway to have verified the signature, so this works against dev
// deployments that sit behind no gateway.
func forgeToken(tenantID string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	payload, _ := json.Marshal(map[string]interface{}{
		"tenant_id": tenantID,
		"is_admin":  false,
	})
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".bench"
}
