// Package currentsense turns pairs of triggered phase-current conversions into observations and
// hands them from the conversion path to the control task without ever blocking the producer.
package currentsense

// RawSample is one conversion result, centered on mid-scale at zero current.
type RawSample uint16

// Amperes is a decoded phase current.
type Amperes float32

// MotorID indexes every per-motor table. IDs are dense and start at zero.
type MotorID int

// Sensing chain defaults: 12-bit converter on a 3.3V reference.
const (
	DefaultVRef = 3.3
	DefaultBits = 12
)

// Calibration holds everything needed to turn a raw sample into amperes for one motor.
type Calibration struct {
	VRef             float32 // converter reference voltage
	Bits             uint    // converter resolution
	ReverseGain      float32 // 1 / sense amplifier gain
	ShuntConductance float32 // 1 / shunt resistance, in siemens
}

// NewCalibration returns a calibration on the default 12-bit, 3.3V converter.
func NewCalibration(reverseGain, shuntConductance float32) Calibration {
	return Calibration{
		VRef:             DefaultVRef,
		Bits:             DefaultBits,
		ReverseGain:      reverseGain,
		ShuntConductance: shuntConductance,
	}
}

// Decode converts a raw sample to a signed phase current. There is no clamping here: overcurrent
// is the gate driver's job.
func Decode(raw RawSample, cal Calibration) Amperes {
	balanced := int32(raw) - int32(1)<<(cal.Bits-1)
	ampOutVolt := float32(balanced) * (cal.VRef / float32(int32(1)<<cal.Bits))
	shuntVolt := ampOutVolt * cal.ReverseGain
	return Amperes(shuntVolt * cal.ShuntConductance)
}

// Decoder decodes samples using a per-motor calibration table. The table is fixed at
// construction, so Decode is safe to call from the conversion path.
type Decoder struct {
	cals []Calibration
}

// NewDecoder returns a decoder where motor i uses cals[i].
func NewDecoder(cals ...Calibration) *Decoder {
	return &Decoder{cals: append([]Calibration(nil), cals...)}
}

// Decode converts a raw sample taken on the given motor.
func (d *Decoder) Decode(raw RawSample, motor MotorID) Amperes {
	return Decode(raw, d.cals[motor])
}

// Motors returns how many motors the decoder is calibrated for.
func (d *Decoder) Motors() int {
	return len(d.cals)
}
