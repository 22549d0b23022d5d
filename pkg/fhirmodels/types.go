package fhirmodels

// Common FHIR value set constants used across the application.

// Identifier systems linking MIMIC-CXR subjects to FHIR patients.
const (
	SystemMIMICSubject   = "urn:mimic-cxr:subject"
	SystemSyntheaPatient = "urn:synthea:patient"
)

// AdministrativeGender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)

// ImagingStudy status codes per FHIR R4.
const (
	ImagingStudyRegistered = "registered"
	ImagingStudyAvailable  = "available"
	ImagingStudyCancelled  = "cancelled"
)

// Imaging modality codes (DICOM subset relevant to chest radiography).
const (
	ModalityCR = "CR"
	ModalityDX = "DX"
)

// DiagnosticReport service category code for radiology reports.
const DiagnosticServiceRadiology = "RAD"
