package ontology

// Cypher against the SNOMED CA edition graph. Description nodes hang off
// concepts via HAS_DESCRIPTION; only active rows are considered, and contains
// matches prefer the shortest description so specific terms beat broad ones.

const exactMatchQuery = `
MATCH (c:Concept)-[:HAS_DESCRIPTION]->(d:Description)
WHERE toLower(d.term) = $term
AND c.active = true AND d.active = true
RETURN c.id as conceptId,
       d.term as preferredTerm,
       COALESCE(d.languageCode, c.languageCode, 'en') as languageCode
LIMIT 1
`

const containsMatchFrenchQuery = `
MATCH (c:Concept)-[:HAS_DESCRIPTION]->(d:Description)
WHERE toLower(d.term) CONTAINS $term
AND (d.languageCode = 'fr' OR d.languageCode = 'fr-CA' OR c.languageCode = 'fr')
AND c.active = true AND d.active = true
RETURN c.id as conceptId,
       d.term as preferredTerm,
       COALESCE(d.languageCode, c.languageCode, 'fr') as languageCode
ORDER BY size(d.term) ASC
LIMIT $limit
`

const containsMatchEnglishQuery = `
MATCH (c:Concept)-[:HAS_DESCRIPTION]->(d:Description)
WHERE toLower(d.term) CONTAINS $term
AND (d.languageCode = 'en' OR d.languageCode = 'en-CA' OR c.languageCode = 'en' OR d.languageCode IS NULL)
AND c.active = true AND d.active = true
RETURN c.id as conceptId,
       d.term as preferredTerm,
       COALESCE(d.languageCode, c.languageCode, 'en') as languageCode
ORDER BY size(d.term) ASC
LIMIT $limit
`

const containsMatchGenericQuery = `
MATCH (c:Concept)-[:HAS_DESCRIPTION]->(d:Description)
WHERE toLower(d.term) CONTAINS $term
AND c.active = true AND d.active = true
RETURN c.id as conceptId,
       d.term as preferredTerm,
       COALESCE(d.languageCode, c.languageCode, 'en') as languageCode
ORDER BY size(d.term) ASC
LIMIT $limit
`

const semanticMatchQuery = `
MATCH (c:Concept)-[:HAS_DESCRIPTION]->(d:Description)
WHERE any(word IN split($term, ' ') WHERE toLower(d.term) CONTAINS toLower(word))
AND c.active = true AND d.active = true
RETURN c.id as conceptId,
       d.term as preferredTerm,
       COALESCE(d.languageCode, c.languageCode, 'en') as languageCode
ORDER BY size(d.term) ASC
LIMIT $limit
`

const hierarchyQuery = `
MATCH (c:Concept {id: $conceptId})-[:ISA*1..3]->(p:Concept)
WHERE p.active = true
OPTIONAL MATCH (p)-[:HAS_DESCRIPTION]->(d:Description {active: true})
WITH p, d ORDER BY size(d.term) ASC
RETURN p.id as conceptId, COALESCE(head(collect(d.term)), '') as preferredTerm
LIMIT $limit
`

const connectionTestQuery = `RETURN 1 as test`
