package ai

// ExtractionSystemPrompt is sent as the system message of every extraction call.
const ExtractionSystemPrompt = `You are an information extraction engine. You read a text passage and return the entities and relationships it mentions, strictly limited to the types you are given. You never invent facts that are not stated in the passage and you always answer with a single JSON object.`

// ExtractPromptSchema renders the extraction request. Placeholders, in order:
// entity type definitions (JSON), relationship type definitions (JSON), text.
const ExtractPromptSchema = `
# Task Context
Extract **typed entities** and **relationships between them** from the text below. Only the entity types and relationship types defined in this request are allowed.

# Type Definitions
## Entity Types
Each entity type lists its attributes (name, value type, description) and an extraction hint.
%s

## Relationship Types
Each relationship type names the allowed source and target entity types (empty means any type) and whether it is directed.
%s

# Detailed Task Description & Rules
## Entities
1. Find every mention of an entity whose type is listed above.
2. For each entity return:
   - **type:** exactly one of the entity type names listed above.
   - **name:** the name as written in the text, without added words.
   - **attributes:** values for the attributes defined for the type, only when the text states them. Use the attribute name exactly as defined and write the value as text. For attributes of type "list" separate the values with ";".
   - **confidence:** a number between 0.0 and 1.0 expressing how certain you are that the entity and its type are correct.
3. Mention each real-world entity once, even if the text names it several times.

## Relationships
1. Only link entities you returned in the "entities" array of this answer.
2. For each relationship return:
   - **type:** exactly one of the relationship type names listed above.
   - **source:** the name of the source entity, identical to its "name" in the entities array.
   - **target:** the name of the target entity, identical to its "name" in the entities array.
   - **attributes:** optional attribute values as text.
   - **confidence:** a number between 0.0 and 1.0.
3. Respect the allowed source and target types of each relationship type.

# Text
%s

# Output Formatting
Return a single valid JSON object with exactly two top-level arrays:
{
  "entities": [
    {"type": "string", "name": "string", "attributes": [{"name": "string", "value": "string"}], "confidence": 0.0}
  ],
  "relationships": [
    {"type": "string", "source": "string", "target": "string", "attributes": [{"name": "string", "value": "string"}], "confidence": 0.0}
  ]
}
Use empty arrays when nothing is found. Do not add commentary outside of the JSON.
`
