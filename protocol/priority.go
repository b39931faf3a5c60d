package protocol

// Single-character device codes for the two priority settings, and
// the run-mode letters. Canonical names follow the vendor docs.

var outputSourcePriorities = map[string]string{
	"0": "utility_solar_battery", // only use battery + solar when utility not available
	"1": "solar_utility_battery", // use solar and supplement from utility without touching battery
	"2": "solar_battery_utility", // use solar and battery, only touch utility when battery is too low
	"3": "unknown_3",
}

var chargerSourcePriorities = map[string]string{
	"0": "utility_first",     // charge from utility first
	"1": "solar_first",       // charge from solar when available, utility when not
	"2": "solar_and_utility", // charge from solar and utility at the same time
	"3": "only_solar",        // only charge from solar
}

var runModes = map[string]string{
	"P": "power_on",
	"S": "standby",
	"L": "line",
	"B": "battery",
	"F": "fault",
	"H": "power_saving",
}

// OutputSourcePriorityName resolves a device code to its canonical name.
func OutputSourcePriorityName(code string) (string, bool) {
	name, ok := outputSourcePriorities[code]
	return name, ok
}

// OutputSourcePriorityCode resolves a canonical name back to its code.
func OutputSourcePriorityCode(name string) (string, bool) {
	for code, n := range outputSourcePriorities {
		if n == name {
			return code, true
		}
	}
	return "", false
}

// ChargerSourcePriorityName resolves a device code to its canonical name.
func ChargerSourcePriorityName(code string) (string, bool) {
	name, ok := chargerSourcePriorities[code]
	return name, ok
}

// ChargerSourcePriorityCode resolves a canonical name back to its code.
func ChargerSourcePriorityCode(name string) (string, bool) {
	for code, n := range chargerSourcePriorities {
		if n == name {
			return code, true
		}
	}
	return "", false
}

// RunModeName maps a QMOD reply letter to its name. Unknown letters
// pass through verbatim.
func RunModeName(letter string) string {
	if name, ok := runModes[letter]; ok {
		return name
	}
	return letter
}
