// Command devplugin is a local compute provider for exercising the gateway
// end to end. Point COMPUTE_BASE_URL at http://localhost:9000/plugins.
package main

import (
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	port := os.Getenv("DEVPLUGIN_PORT")
	if port == "" {
		port = "9000"
	}

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           newRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("Dev plugin provider starting on port %s", port)
	if err := server.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}
