package rtc

import (
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Spatial/internal/core"
)

// mediaSummary lists the m-sections of a description as kind/direction pairs.
type mediaSummary []string

// inspect parses desc. A description that does not parse is a negotiation
// error and never reaches the engine.
func inspect(desc webrtc.SessionDescription) (mediaSummary, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return nil, fmt.Errorf("%w: malformed %s: %w", core.ErrNegotiation, desc.Type, err)
	}
	out := make(mediaSummary, 0, len(parsed.MediaDescriptions))
	for _, md := range parsed.MediaDescriptions {
		out = append(out, md.MediaName.Media+"/"+direction(md))
	}
	return out, nil
}

func direction(md *sdp.MediaDescription) string {
	for _, dir := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
		if _, ok := md.Attribute(dir); ok {
			return dir
		}
	}
	return "sendrecv"
}
