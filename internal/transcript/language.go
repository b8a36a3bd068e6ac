package transcript

import "strings"

var frenchMarkers = []string{
	" le ", " la ", " les ", " des ", " une ", " est ", " vous ", " avez ",
	" je ", " pas ", " douleur ", " depuis ", " merci ",
}

var englishMarkers = []string{
	" the ", " is ", " you ", " have ", " and ", " pain ", " since ",
	" what ", " been ", " that ",
}

// DetectLanguage is a cheap stopword heuristic used only when the caller
// supplied no language hint. It returns "fr" or "en".
func DetectLanguage(text string) string {
	t := " " + strings.ToLower(text) + " "
	fr, en := 0, 0
	for _, m := range frenchMarkers {
		fr += strings.Count(t, m)
	}
	for _, m := range englishMarkers {
		en += strings.Count(t, m)
	}
	if fr > en {
		return "fr"
	}
	return "en"
}
