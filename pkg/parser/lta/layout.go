package lta

// RecordLength is the fixed width of every record.
const RecordLength = 691

// Record type markers.
const (
	recordHeader  = 'H'
	recordDetail  = 'D'
	recordTrailer = 'T'
)

type field struct {
	start, end int
}

// Detail record layout, 0-based and end-exclusive.
var (
	fVehicleNo          = field{1, 13}
	fChassisNo          = field{13, 38}
	fDiplomaticFlag     = field{38, 39}
	fNoticeNo           = field{39, 49}
	fOwnerIDType        = field{49, 50}
	fPassportPlace      = field{50, 53}
	fOwnerID            = field{53, 73}
	fOwnerName          = field{73, 139}
	fAddressType        = field{139, 140}
	fBlockHouseNo       = field{140, 150}
	fStreetName         = field{150, 182}
	fFloorNo            = field{182, 184}
	fUnitNo             = field{184, 189}
	fBuildingName       = field{189, 219}
	fPostalCode         = field{219, 227}
	fMake               = field{227, 327}
	fPrimaryColour      = field{327, 427}
	fSecondaryColour    = field{427, 527}
	fRoadTaxExpiry      = field{527, 535}
	fUnladenWeight      = field{535, 542}
	fMaxLadenWeight     = field{542, 549}
	fOwnershipDate      = field{549, 557}
	fDeregistrationDate = field{557, 565}
	fErrorCode          = field{565, 566}
	fProcessingDate     = field{566, 574}
	fProcessingTime     = field{574, 578}
	fIUObuLabel         = field{578, 588}
	fRegAddressDate     = field{588, 596}
	fMailBlockHouseNo   = field{596, 606}
	fMailStreetName     = field{606, 638}
	fMailFloorNo        = field{638, 640}
	fMailUnitNo         = field{640, 645}
	fMailBuildingName   = field{645, 675}
	fMailPostalCode     = field{675, 683}
	fMailAddressDate    = field{683, 691}
)

// Header and trailer layout.
var (
	fHeaderRunDate = field{1, 9}
	fTrailerCount  = field{1, 7}
)
