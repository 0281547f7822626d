package main

import (
	"net/http"

	"imuslab.com/offlinegw/mod/gateway"
	"imuslab.com/offlinegw/mod/utils"
)

/*
	api.go

	Mounts the management endpoints next to the intercepting gateway.
	Everything outside /_offline and /metrics goes through the gateway.
*/

const OFFLINE_API_PREFIX = "/_offline"

// buildRouter returns the root handler of the server
func buildRouter() *http.ServeMux {
	mux := http.NewServeMux()
	registerOfflineAPIs(mux)
	mux.Handle("/", offlineGateway)
	return mux
}

// registerOfflineAPIs registers offline management API endpoints
func registerOfflineAPIs(mux *http.ServeMux) {
	SystemWideLogger.Println("Registering offline management API endpoints")
	offlineAdminHandler.Register(mux, OFFLINE_API_PREFIX)
	hostStatsCollector.Register(mux, OFFLINE_API_PREFIX+"/hoststats")
	mux.Handle(OFFLINE_API_PREFIX+"/events", eventHub)
	mux.HandleFunc(OFFLINE_API_PREFIX+"/config", HandleGetOfflineConfig)
	mux.HandleFunc(OFFLINE_API_PREFIX+"/last-sync", HandleGetLastSync)
	mux.Handle("/metrics", metricsCollector.Handler())
}

// HandleGetOfflineConfig returns the running configuration with secrets masked
func HandleGetOfflineConfig(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	utils.SendJSONResponse(w, offlineConfiguration.Redacted())
}

// HandleGetLastSync returns the summary of the most recent replay pass
func HandleGetLastSync(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	result, ok := replayCoordinator.LastResult()
	if !ok {
		utils.SendErrorResponse(w, "no replay pass has run yet")
		return
	}
	utils.SendJSONResponse(w, result)
}

func authorized(r *http.Request) bool {
	return gateway.CheckAdminSecret(r, offlineConfiguration.AdminSecret)
}
