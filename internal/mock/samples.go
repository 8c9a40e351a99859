package mock

import (
	"math"

	"aranet-sync/internal/aranet"
)

// Samples returns n plausible records for device type t, oldest first.
// Timestamps are left zero; devices assign them on download. The values are
// deterministic so repeated calls produce identical series.
func Samples(t aranet.DeviceType, n int) []aranet.HistoryRecord {
	out := make([]aranet.HistoryRecord, n)
	for i := range out {
		phase := float64(i) / 12
		rec := aranet.HistoryRecord{
			Temperature: math.Round((21+2*math.Sin(phase))*20) / 20,
			Pressure:    math.Round((1010+3*math.Cos(phase/3))*10) / 10,
			Humidity:    uint8(40 + i%15),
		}
		if t == aranet.DeviceTypeAranetRadon {
			radon := uint32(40 + (i*7)%60)
			rec.Radon = &radon
		} else {
			rec.CO2 = uint16(450 + (i*37)%900)
		}
		out[i] = rec
	}
	return out
}
