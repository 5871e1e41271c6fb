package nn

// Vulnerable road user classes that our validation models are expected to detect.
const (
	ClassPedestrian        = "pedestrian"
	ClassCyclist           = "cyclist"
	ClassMotorcyclist      = "motorcyclist"
	ClassWheelchairUser    = "wheelchair_user"
	ClassScooterRider      = "scooter_rider"
	ClassChildWithStroller = "child_with_stroller"
)

// VRUClasses is the canonical class list, in model output order
var VRUClasses = []string{
	ClassPedestrian,
	ClassCyclist,
	ClassMotorcyclist,
	ClassWheelchairUser,
	ClassScooterRider,
	ClassChildWithStroller,
}

var vruClassSet = makeClassSet(VRUClasses)

func makeClassSet(classes []string) map[string]bool {
	set := map[string]bool{}
	for _, c := range classes {
		set[c] = true
	}
	return set
}

// Return true if class is one of the VRU classes
func IsVRUClass(class string) bool {
	return vruClassSet[class]
}
