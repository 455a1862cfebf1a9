package gateway

import (
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fnf-ea/mcp-orch/domain/mcp"
)

var metricChannelsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "mcp_client_channels_active",
	Help: "Connected unified SSE clients",
})

// annotateNotification stamps the originating server into the
// notification's params so unified clients can tell backends apart.
func annotateNotification(msg *mcp.Message, serverName string) *mcp.Message {
	params := map[string]json.RawMessage{}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return msg
		}
	}
	name, err := json.Marshal(serverName)
	if err != nil {
		return msg
	}
	params[serverParamKey] = name
	data, err := json.Marshal(params)
	if err != nil {
		return msg
	}
	annotated := *msg
	annotated.Params = data
	return &annotated
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
