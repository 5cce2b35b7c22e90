package triage

// DefaultCatalog returns the five-level severity scale and its categories.
// It mirrors migrations/003_seed_catalog.sql and backs the memory store.
func DefaultCatalog() ([]SeverityLevel, []EmergencyCategory) {
	levels := []SeverityLevel{
		{ID: 1, Name: "Critical", Color: "RED", MaxWaitMinutes: 0, Priority: 1},
		{ID: 2, Name: "Emergency", Color: "ORANGE", MaxWaitMinutes: 10, Priority: 2},
		{ID: 3, Name: "Urgent", Color: "YELLOW", MaxWaitMinutes: 60, Priority: 3},
		{ID: 4, Name: "Less urgent", Color: "GREEN", MaxWaitMinutes: 120, Priority: 4},
		{ID: 5, Name: "Non urgent", Color: "BLUE", MaxWaitMinutes: 240, Priority: 5},
	}
	categories := []EmergencyCategory{
		{ID: 1, Name: "Cardiac arrest", LevelID: 1},
		{ID: 2, Name: "Respiratory arrest", LevelID: 1},
		{ID: 3, Name: "Major trauma", LevelID: 1},
		{ID: 4, Name: "Chest pain with cardiac features", LevelID: 2},
		{ID: 5, Name: "Severe respiratory distress", LevelID: 2},
		{ID: 6, Name: "Altered level of consciousness", LevelID: 2},
		{ID: 7, Name: "Moderate abdominal pain", LevelID: 3},
		{ID: 8, Name: "Fever with risk factors", LevelID: 3},
		{ID: 9, Name: "Persistent vomiting", LevelID: 3},
		{ID: 10, Name: "Minor limb injury", LevelID: 4},
		{ID: 11, Name: "Sore throat", LevelID: 4},
		{ID: 12, Name: "Prescription or certificate request", LevelID: 5},
		{ID: 13, Name: "Minor wound check", LevelID: 5},
	}
	return levels, categories
}
