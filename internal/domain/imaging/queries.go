package imaging

// QueryTemplate is one canned radiology query a client can offer as a
// starting point.
type QueryTemplate struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Example     string `json:"example"`
}

// QueryCatalog maps a category to its templates.
type QueryCatalog map[string][]QueryTemplate

var queryCatalog = QueryCatalog{
	"patients": {
		{
			Name:        "patients_with_imaging",
			Description: "List patients that have chest X-ray images, with their subject mappings",
			Example:     "Show me patients with chest X-rays",
		},
		{
			Name:        "patient_mapping",
			Description: "Show how a MIMIC subject maps to a FHIR patient",
			Example:     "Which FHIR patient is subject p10002428 mapped to?",
		},
	},
	"studies": {
		{
			Name:        "patient_studies",
			Description: "List the imaging studies of one patient",
			Example:     "What imaging studies does patient p10002428 have?",
		},
		{
			Name:        "study_details",
			Description: "Show the images and metadata of one imaging study",
			Example:     "Get details for study s50414267",
		},
		{
			Name:        "encounter_imaging",
			Description: "List the imaging performed during one encounter",
			Example:     "What imaging was done during encounter enc-1001?",
		},
	},
	"reports": {
		{
			Name:        "radiology_reports",
			Description: "Fetch the radiology reports of one patient",
			Example:     "Get the radiology report for patient p10002428",
		},
	},
	"search": {
		{
			Name:        "image_similarity",
			Description: "Search images by natural-language description",
			Example:     "Find chest X-rays showing cardiomegaly",
		},
		{
			Name:        "view_filtered_search",
			Description: "Search images restricted to one view position",
			Example:     "Find lateral view chest X-rays with pleural effusion",
		},
	},
}

// Queries returns the canned query catalog. An empty category, "all", or an
// unknown category returns everything; a known category returns just that
// slice.
func Queries(category string) QueryCatalog {
	if templates, ok := queryCatalog[category]; ok {
		return QueryCatalog{category: templates}
	}
	return queryCatalog
}
